package speedtest

// Spawner lets a caller own the goroutines the runner starts for latency
// probes. Without one the runner uses plain go statements.
type Spawner interface {
	Go(name string, fn func())
}

type SpawnerFunc func(name string, fn func())

func (f SpawnerFunc) Go(name string, fn func()) { f(name, fn) }
