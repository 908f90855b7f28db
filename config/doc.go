// Package config loads ToxAV node configuration from YAML.
//
// A file overrides the values returned by Default key by key, so a minimal
// file only names what differs:
//
//	call:
//	  default_audio_bit_rate: 48
//	adaptation:
//	  enabled: true
//	  request_interval: 2s
//	logging:
//	  level: debug
//	history:
//	  backend: redis
//	  redis:
//	    address: localhost:6379
//
// TOXAV_LOG_LEVEL, TOXAV_HISTORY_BACKEND and TOXAV_REDIS_ADDRESS override
// the file.
package config
