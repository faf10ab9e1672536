package reading

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Payload is the JSON document published to the sink:
//
//	{"ts":1234,"temp":21.50,"hum":40.25,"acc":{"x":0.01,"y":-0.02,"z":9.81},
//	 "gps":{"lat":52.229676,"lon":21.012229,"valid":1}}
type Payload struct {
	Timestamp   int64      `json:"ts"`
	Temperature fixed2     `json:"temp"`
	Humidity    fixed2     `json:"hum"`
	Accel       accelBlock `json:"acc"`
	GPS         gpsBlock   `json:"gps"`
}

type accelBlock struct {
	X fixed2 `json:"x"`
	Y fixed2 `json:"y"`
	Z fixed2 `json:"z"`
}

type gpsBlock struct {
	Lat   fixed6 `json:"lat"`
	Lon   fixed6 `json:"lon"`
	Valid int    `json:"valid"`
}

// MarshalPayload renders r as the sink payload. Temperature, humidity and
// acceleration carry two decimals, coordinates six.
func MarshalPayload(r Reading) ([]byte, error) {
	valid := 0
	if r.GNSSValid {
		valid = 1
	}
	p := Payload{
		Timestamp:   r.Timestamp,
		Temperature: fixed2(r.Temperature),
		Humidity:    fixed2(r.Humidity),
		Accel: accelBlock{
			X: fixed2(r.AccelX),
			Y: fixed2(r.AccelY),
			Z: fixed2(r.AccelZ),
		},
		GPS: gpsBlock{
			Lat:   fixed6(r.Latitude),
			Lon:   fixed6(r.Longitude),
			Valid: valid,
		},
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload parses a document produced by MarshalPayload.
func UnmarshalPayload(data []byte) (Reading, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Reading{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if p.GPS.Valid != 0 && p.GPS.Valid != 1 {
		return Reading{}, fmt.Errorf("unmarshal payload: gps.valid must be 0 or 1, got %d", p.GPS.Valid)
	}
	return Reading{
		Timestamp:   p.Timestamp,
		Temperature: float32(p.Temperature),
		Humidity:    float32(p.Humidity),
		AccelX:      float32(p.Accel.X),
		AccelY:      float32(p.Accel.Y),
		AccelZ:      float32(p.Accel.Z),
		Latitude:    float32(p.GPS.Lat),
		Longitude:   float32(p.GPS.Lon),
		GNSSValid:   p.GPS.Valid == 1,
	}, nil
}

type fixed2 float32

func (f fixed2) MarshalJSON() ([]byte, error) { return marshalFixed(float32(f), 2), nil }

func (f *fixed2) UnmarshalJSON(b []byte) error {
	v, err := unmarshalFixed(b)
	*f = fixed2(v)
	return err
}

type fixed6 float32

func (f fixed6) MarshalJSON() ([]byte, error) { return marshalFixed(float32(f), 6), nil }

func (f *fixed6) UnmarshalJSON(b []byte) error {
	v, err := unmarshalFixed(b)
	*f = fixed6(v)
	return err
}

// Non-finite values have no JSON number form; they travel as null.
func marshalFixed(v float32, prec int) []byte {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null")
	}
	return strconv.AppendFloat(nil, f, 'f', prec, 32)
}

func unmarshalFixed(b []byte) (float32, error) {
	s := string(b)
	if s == "null" {
		return float32(math.NaN()), nil
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	return float32(v), nil
}
