// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// which keeps passwords out of the file itself:
//
//	auth:
//	  username: ann
//	  password: ${CHATLINK_PASSWORD}
package config
