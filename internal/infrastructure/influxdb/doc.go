// Package influxdb provides InfluxDB connectivity for canbridge telemetry.
//
// It wraps the official influxdb-client-go v2 library. Each translated frame
// becomes a can_record point tagged with direction, topic and frame id, whose
// fields are the decoded record; each dropped translation becomes a can_drop
// point tagged with its reason.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteTranslation(influxdb.Translation{
//	    Direction: "uplink",
//	    Topic:     "led/config",
//	    FrameID:   0x1310,
//	    Record:    map[string]any{"intensity": 200},
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched according to batch_size and flush_interval; asynchronous write
// errors are delivered through SetOnError.
package influxdb
