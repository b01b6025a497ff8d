// Package logging builds the structured slog logger shared by every
// canbridge component.
//
// Each entry carries service=canbridge and the build version. Components
// tag their entries with Component:
//
//	log := logging.New(cfg.Logging, version)
//	defer log.Close()
//	log.Component("bridge").Warn("frame dropped", "frame_id", "0x51E", "reason", "unknown_frame_id")
//
// Configuration (canbridge.yaml):
//
//	logging:
//	  level: info      # debug, info, warn, error
//	  format: json     # json or text
//	  output: stdout   # stdout, stderr or file
//	  file: /var/log/canbridge.log
//
// MQTT credentials and the InfluxDB token must never be logged.
package logging
