// Package config loads canbridge.yaml, applies CANBRIDGE_* environment
// overrides and validates the result.
//
// Secrets (the MQTT password and the InfluxDB token) belong in the
// environment, not the file. The conversion table is a separate JSON file;
// this package only carries its path and reload settings, see package
// conversion for the table format.
//
//	cfg, err := config.Load("configs/canbridge.yaml")
//	if err != nil {
//	    return err
//	}
package config
