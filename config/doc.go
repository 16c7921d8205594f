// Package config loads the YAML configuration of the backbone server and the
// transponder.
//
// Loading starts from built-in defaults, decodes each file layer over them and
// finally applies AISVNET_* environment variables:
//
//	cfg, err := config.NewLoader().
//		AddLayer("server.yaml").
//		AddLayer("server.local.yaml").
//		LoadServer()
//
// Durations accept Go notation ("30s", "24h"), a day suffix ("14d") or a
// plain number of seconds. Validation failures are fatal errors wrapping
// errors.ErrInvalidConfig.
//
// A minimal server file:
//
//	listen: ":8080"
//	identity:
//	  jwt_secret: change-me
//	  users_file: users.txt
//	  store: nats
//	nats:
//	  url: nats://localhost:4222
package config
