// Package connection implements the live client connection layer.
//
// A Connection wraps one duplex transport to one authenticated user:
//   - Outbound messages go through two FIFO lanes (normal, low) flushed in small batches
//   - High-priority messages bypass both lanes and are written immediately
//   - Liveness is refreshed only by pongs or inbound traffic
//
// The Registry owns every live Connection and the secondary indexes by user,
// workspace and project. All index mutation goes through Registry methods.
package connection
