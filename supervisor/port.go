package supervisor

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
)

const portProbes = 64

// FindFreePort asks the OS for a port in [start, finish] that nothing is
// bound to right now. The answer can be stale by the time the caller binds
// it; the registry's claim is what prevents two instances sharing a port.
func FindFreePort(host string, start, finish int) (int, error) {
	if start < 1 || finish > 65535 || start > finish {
		return 0, fmt.Errorf("invalid port range %d-%d", start, finish)
	}
	span := finish - start + 1
	for i := 0; i < portProbes && i < span*2; i++ {
		port := start + rand.IntN(span)
		if portFree(host, port) {
			return port, nil
		}
	}
	// Small or crowded ranges: walk them once.
	for port := start; port <= finish; port++ {
		if portFree(host, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, finish)
}

func portFree(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
