package app

import (
	"runtime"
	"time"
)

// RuntimeInfo is the process section of the status snapshot.
type RuntimeInfo struct {
	GoVersion  string `json:"go_version"`
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines"`
	CPUs       int    `json:"cpus"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapInuse  uint64 `json:"heap_inuse"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

func readRuntimeInfo(startedAt time.Time) RuntimeInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	info := RuntimeInfo{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		CPUs:       runtime.NumCPU(),
		HeapAlloc:  m.HeapAlloc,
		HeapInuse:  m.HeapInuse,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
	if !startedAt.IsZero() {
		info.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	return info
}
