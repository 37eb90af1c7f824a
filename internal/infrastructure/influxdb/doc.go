// Package influxdb records item history in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. The Client is
// registered as a dispatcher observer: every value or quality change becomes
// one point in the "item_values" measurement, tagged by item, type and
// source. Numeric item types also carry a float "numeric" field so they can
// be graphed without casting.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	dispatcher.AddObserver(client)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API is non-blocking and batched according to
// batch_size and flush_interval. Asynchronous write errors are delivered to
// the callback set with SetOnError.
package influxdb
