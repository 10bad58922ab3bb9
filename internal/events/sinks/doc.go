// Package sinks provides event sinks for logging, Prometheus and message publishing.
package sinks
