// Package influxdb writes relay activity to InfluxDB as time series.
//
// Every successful channel switch becomes a relay_switch point and every
// plugin state transition a plugin_state point, so dashboards can show how
// long each charging or vending channel was powered. Writes are batched and
// non-blocking; failures arrive on the SetOnError callback.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	p.AddSwitchListener(client.SwitchListener())
//	p.AddStateListener(client.StateListener())
package influxdb
