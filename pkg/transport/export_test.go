package transport

// PendingRetries returns the number of armed reconnect waits
func PendingRetries(t *Transport) int {
	return t.reconnect.Pending()
}

// ConnectInFlight reports whether a connection attempt is marked in flight for addr
func ConnectInFlight(t *Transport, addr string) bool {
	return t.reconnect.Connecting(addr)
}
