// Package slcan supervises slcand, the daemon that attaches a serial-line
// CAN adapter (CANable, USBtin, Lawicel) as a SocketCAN interface.
//
// The manager provides:
//
//   - Argument building from the bridge's YAML configuration
//   - Automatic restart with backoff, optionally after a USB reset
//   - A watchdog that checks the device node, process state and link
//   - Graceful shutdown before the CAN socket is closed
//
// Example configuration (in canbridge.yaml):
//
//	can:
//	  adapter: slcan
//	  interface: slcan0
//	  slcan:
//	    device: /dev/ttyACM0
//	    speed: 6
//	    usb_vendor_id: "ad50"
//	    usb_product_id: "60c4"
//	    usb_reset_on_retry: true
//
// Start blocks until slcan0 exists and is up, so the bridge can dial the
// interface immediately afterwards.
package slcan
