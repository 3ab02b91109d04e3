// Package influxdb records climate telemetry in InfluxDB v2.
//
// Every successful poll writes one "climate" point per device (power,
// setpoint, room and outdoor temperature, tagged by account, device and
// mode). Every control command writes a "climate_command" point tagged
// with its outcome.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteClimateSample(influxdb.ClimateSample{Device: "living-room", RoomTemperature: 21.5})
//
// Writes are batched according to batch_size and flush_interval.
package influxdb
