// Package metrics holds the Prometheus collectors shared by the VMM.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "vmm"

// Registry is served by the CLI's metrics endpoint.
var Registry = prometheus.NewRegistry()

var (
	VCPUExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vcpu",
		Name:      "exits_total",
		Help:      "vCPU exits by kind.",
	}, []string{"kind"})

	UnhandledAccesses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vcpu",
		Name:      "unhandled_accesses_total",
		Help:      "MMIO and port accesses no device claimed.",
	}, []string{"kind"})

	VirtioNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "virtio",
		Name:      "notifications_total",
		Help:      "Queue doorbell writes by device.",
	}, []string{"device"})

	VirtioRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "virtio",
		Name:      "requests_total",
		Help:      "Completed device requests by type and status.",
	}, []string{"device", "type", "status"})

	VirtioInterrupts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "virtio",
		Name:      "interrupts_total",
		Help:      "Used-buffer interrupts raised by device.",
	}, []string{"device"})

	VirtioRejectedNegotiations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "virtio",
		Name:      "rejected_negotiations_total",
		Help:      "Feature negotiations refused because the driver asked for unsupported bits.",
	}, []string{"device"})

	VMStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vms",
		Help:      "VMs by lifecycle state.",
	}, []string{"state"})

	GuestMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "guest_memory_bytes",
		Help:      "Guest memory currently mapped.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		VCPUExits,
		UnhandledAccesses,
		VirtioNotifications,
		VirtioRequests,
		VirtioInterrupts,
		VirtioRejectedNegotiations,
		VMStates,
		GuestMemoryBytes,
	)
}
