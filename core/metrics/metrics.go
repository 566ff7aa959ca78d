// Package metrics holds the backend-neutral instrument types used by the
// router's metrics ports. Concrete backends live under adapters/.
package metrics

// Timer measures one operation. Callers typically write:
//
//	defer m.CallDuration(cluster, "hash").ObserveDuration()
type Timer interface {
	ObserveDuration()
}
