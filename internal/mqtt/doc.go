// Package mqtt publishes mailgate's health to an MQTT broker so Home
// Assistant shows it as a native device with availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity, a birth message ("online") to the availability
// topic, and the most recent cycle status. A will message ensures the
// availability topic transitions to "offline" on unexpected
// disconnects.
//
// After each check cycle the scheduler hands the [Publisher] an
// execution record, which is flattened into a retained JSON document
// on the status topic. Every sensor reads its value from that one
// document through a value template.
package mqtt
