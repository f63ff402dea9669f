package server

import "net"

// localIP returns the machine's best-guess outbound IPv4 address by
// opening a UDP socket toward a public resolver (no packets are sent).
// Falls back to "localhost" when the address cannot be determined, e.g.
// on machines with no configured network interface.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "localhost"
	}
	return addr.IP.String()
}
