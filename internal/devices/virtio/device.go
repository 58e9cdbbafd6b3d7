package virtio

// Device is the transport independent half of a virtio device.
type Device interface {
	// Name labels logs and metrics, e.g. "virtio-blk".
	Name() string

	// DeviceID returns the virtio device type (2 = block, 3 = console).
	DeviceID() uint32

	// Features returns every feature bit the device offers, excluding
	// VIRTIO_F_VERSION_1 which the transport adds.
	Features() uint64

	NumQueues() int
	QueueMaxSize(queue int) uint16

	// Negotiate is called when the driver sets FEATURES_OK with a subset of
	// the offered features. Returning an error refuses the negotiation.
	Negotiate(features uint64) error

	// Attach hands the device its queues once, at transport creation.
	Attach(queues []*Queue)

	// ProcessQueue runs after the driver notified queue.
	ProcessQueue(queue int) error

	// ReadConfig fills data from device config space at offset.
	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte) error

	// Reset forgets negotiated state. In-flight requests complete first.
	Reset()
}

// Drainer is implemented by devices that complete requests asynchronously.
type Drainer interface {
	// Drain blocks until every accepted request has been completed.
	Drain()
}

// readConfigBytes copies the window [offset, offset+len(data)) of cfg into
// data, reading zeroes past the end.
func readConfigBytes(cfg []byte, offset uint64, data []byte) {
	clear(data)
	if offset >= uint64(len(cfg)) {
		return
	}
	copy(data, cfg[offset:])
}
