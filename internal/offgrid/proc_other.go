//go:build !linux

package offgrid

func processRSSBytes() (uint64, bool) { return 0, false }
