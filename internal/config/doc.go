/*
Package config loads and validates the blockvfs configuration.

Values are resolved in three layers, later layers winning:

	defaults (NewDefault) -> YAML file (LoadFromFile) -> environment (LoadFromEnv)

The environment names keep the conventions of the original wrapper:

	SQ_VFS_NAME         VFS name used in file:/<alias>/<db>?vfs=<name>
	SQ_CONTAINER_ALIAS  first path segment of the connection URI
	SQ_DB_BUCKET        bucket path of the container
	SQ_CACHE_DIR        local block cache directory
	SQ_VERBOSITY        0 warn, 1 info, 2 debug
	CS_KEY, CS_ACCOUNT  static credentials

Storage and tuning options use the BLOCKVFS_ prefix; EnvUsage prints the
full list.
*/
package config
