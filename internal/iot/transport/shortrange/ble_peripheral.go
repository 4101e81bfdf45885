package shortrange

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ble/ble"
)

// rxCharUUID / txCharUUID identify the GATT characteristics backing the RX
// (writable) and TX (notifiable) attributes described in §4.3. Values are
// placeholders for a vendor-specific 128-bit UUID; NewBLEPeripheral always
// uses these fixed values and takes no UUID parameters.
var (
	serviceUUID = ble.MustParse("0000fff0-0000-1000-8000-00805f9b34fb")
	rxCharUUID  = ble.MustParse("0000fff1-0000-1000-8000-00805f9b34fb")
	txCharUUID  = ble.MustParse("0000fff2-0000-1000-8000-00805f9b34fb")
)

// BLEPeripheral adapts a github.com/go-ble/ble Device into the Radio
// interface the state machine drives. It exposes one service with an RX
// (write) and TX (notify) characteristic, matching the attribute surface of
// §4.3. Outbound notifications are handed to the TX characteristic's
// notify loop through a channel, since go-ble only lets a peripheral push
// data from inside the HandleNotify callback that owns the Notifier.
type BLEPeripheral struct {
	device   ble.Device
	name     string
	notifyCh chan []byte

	deliver func(Event)
}

// NewBLEPeripheral wires a BLE peripheral backed by device, delivering RX
// writes and connection lifecycle events to deliver (typically
// Transport.Deliver).
func NewBLEPeripheral(device ble.Device, name string, deliver func(Event)) (*BLEPeripheral, error) {
	if device == nil {
		return nil, fmt.Errorf("shortrange: nil BLE device")
	}
	p := &BLEPeripheral{device: device, name: name, deliver: deliver, notifyCh: make(chan []byte, 16)}

	svc := ble.NewService(serviceUUID)

	rxChar := ble.NewCharacteristic(rxCharUUID)
	rxChar.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		data := append([]byte(nil), req.Data()...)
		p.deliver(Event{Kind: EventRX, Data: data})
	}))
	svc.AddCharacteristic(rxChar)

	txChar := ble.NewCharacteristic(txCharUUID)
	txChar.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
		for {
			select {
			case data := <-p.notifyCh:
				if _, err := n.Write(data); err != nil {
					return
				}
			case <-n.Context().Done():
				return
			}
		}
	}))
	svc.AddCharacteristic(txChar)

	if err := ble.AddService(svc); err != nil {
		return nil, fmt.Errorf("shortrange: add service: %w", err)
	}

	ble.SetDefaultDevice(device)
	return p, nil
}

// StartAdvertising implements Radio by running one bounded advertising
// cycle; completion (timeout or cancellation without a connection) is
// reported back to the transport via deliver.
func (p *BLEPeripheral) StartAdvertising(ctx context.Context, interval AdvertiseInterval) error {
	advCtx, cancel := context.WithTimeout(ctx, interval.Duration)
	go func() {
		defer cancel()
		err := ble.AdvertiseNameAndServices(advCtx, p.name, serviceUUID)
		if err != nil && advCtx.Err() == nil {
			p.deliver(Event{Kind: EventRadioError, Err: err})
			return
		}
		p.deliver(Event{Kind: EventAdvertiseComplete})
	}()
	return nil
}

// Notify implements Radio by queueing a GATT notification for the TX
// characteristic's notify loop to deliver.
func (p *BLEPeripheral) Notify(data []byte) error {
	select {
	case p.notifyCh <- append([]byte(nil), data...):
		return nil
	default:
		return fmt.Errorf("shortrange: notify channel full, central reading too slowly")
	}
}

// connectionDeadline returns cfg.ConnectionTimeout, or 30s when it is unset.
// Nothing in this package calls it; no connection timeout is applied to the
// BLE device.
func connectionDeadline(cfg Config) time.Duration {
	if cfg.ConnectionTimeout <= 0 {
		return 30 * time.Second
	}
	return cfg.ConnectionTimeout
}
