// Package metrics defines the Prometheus instruments of the capture service.
package metrics
