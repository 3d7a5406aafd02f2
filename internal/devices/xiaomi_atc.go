package devices

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
)

// Thermometer entity names.
const (
	entityTemperature = "temperature"
	entityHumidity    = "humidity"
	entityBattery     = "battery"
)

// atcServiceUUID is the environmental sensing service the ATC firmware
// families advertise readings under. The stack reports 16-bit UUIDs in
// short form.
const atcServiceUUID = "181a"

// Advertisement payload sizes for the two firmware formats.
const (
	atcCustomLen = 15
	atcStockLen  = 13
)

// atcReading is one decoded advertisement.
type atcReading struct {
	Temperature float64
	Humidity    float64
	Battery     int
}

// XiaomiATC is a passive LYWSD03MMC thermometer flashed with ATC firmware.
// Readings arrive as service data in advertisements; the device is never
// connected.
//
// Two advertisement formats exist: the stock ATC1441 one (13 bytes, big
// endian) and the custom pvvx one (15 bytes, little endian, higher
// precision). Some units broadcast both; once a custom frame is seen the
// stock ones are ignored so precision does not flap.
type XiaomiATC struct {
	*ble.BaseDevice

	mu         sync.Mutex
	reading    *atcReading
	customSeen bool
}

func newXiaomiATC(opts Options) (ble.Device, error) {
	base, err := ble.NewBaseDevice(ble.DeviceOptions{
		Address:         opts.Address,
		FriendlyName:    opts.Name,
		Model:           "LYWSD03MMC",
		Manufacturer:    "Xiaomi",
		Mode:            resolveMode(opts.Mode, ble.ModePassive),
		SupportsPassive: true,
		Entities: ble.WithLinkQuality([]ble.Entity{
			{Component: ble.ComponentSensor, Name: entityTemperature, DeviceClass: "temperature", Unit: "°C"},
			{Component: ble.ComponentSensor, Name: entityHumidity, DeviceClass: "humidity", Unit: "%"},
			{Component: ble.ComponentSensor, Name: entityBattery, DeviceClass: "battery", Unit: "%", EntityCategory: "diagnostic"},
		}),
		ReconnectionInterval:    opts.ReconnectionInterval,
		PassiveInterval:         opts.PassiveInterval,
		ConnectionFailuresLimit: opts.ConnectionFailuresLimit,
		Logger:                  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &XiaomiATC{BaseDevice: base}, nil
}

// HandleAdvert decodes one sighting's service data, if it carries a
// reading.
func (x *XiaomiATC) HandleAdvert(adv ble.Advertisement) {
	payload := atcPayload(adv)
	if payload == nil {
		return
	}
	reading, custom, ok := decodeATC(payload)
	if !ok {
		return
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.customSeen && !custom {
		return
	}
	if custom {
		x.customSeen = true
	}
	x.reading = &reading
}

// atcPayload extracts the environmental sensing service data from a
// sighting, nil when absent.
func atcPayload(adv ble.Advertisement) []byte {
	for _, sd := range adv.ServiceData {
		uuid := strings.ToLower(sd.UUID)
		if uuid == atcServiceUUID || strings.HasPrefix(uuid, "0000"+atcServiceUUID) {
			return sd.Data
		}
	}
	return nil
}

// decodeATC parses one advertisement payload. The custom pvvx format is 15
// bytes little endian with centidegree precision; the stock ATC1441 format
// is 13 bytes big endian with decidegree precision. Both start with the six
// MAC octets. custom reports which format was seen.
func decodeATC(data []byte) (reading atcReading, custom, ok bool) {
	switch len(data) {
	case atcCustomLen:
		return atcReading{
			Temperature: float64(int16(binary.LittleEndian.Uint16(data[6:8]))) / 100,
			Humidity:    float64(binary.LittleEndian.Uint16(data[8:10])) / 100,
			Battery:     int(data[12]),
		}, true, true
	case atcStockLen:
		return atcReading{
			Temperature: float64(int16(binary.BigEndian.Uint16(data[6:8]))) / 10,
			Humidity:    float64(data[8]),
			Battery:     int(data[9]),
		}, false, true
	}
	return atcReading{}, false, false
}

// Handle publishes the latest reading every passive interval, checking more
// often while no advertisement has been decoded yet.
func (x *XiaomiATC) Handle(ctx context.Context, pub ble.Publisher) error {
	if err := pub.SendConfig(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(x.NotReadyInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		x.mu.Lock()
		reading := x.reading
		x.mu.Unlock()

		if reading == nil {
			timer.Reset(x.NotReadyInterval())
			continue
		}
		if err := x.publishState(ctx, pub, *reading); err != nil {
			return err
		}
		timer.Reset(x.PassiveInterval())
	}
}

func (x *XiaomiATC) publishState(ctx context.Context, pub ble.Publisher, reading atcReading) error {
	values := []struct {
		entity  string
		payload string
	}{
		{entityTemperature, formatNumber(reading.Temperature)},
		{entityHumidity, formatNumber(reading.Humidity)},
		{entityBattery, strconv.Itoa(reading.Battery)},
	}
	for _, v := range values {
		if err := pub.Publish(ctx, x.EntityTopic(v.entity), []byte(v.payload)); err != nil {
			return err
		}
	}
	return x.PublishLinkQuality(ctx, pub)
}
