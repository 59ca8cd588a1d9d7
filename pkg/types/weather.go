package types

import "time"

// CloudyThreshold is the low cloud cover fraction at or above which a sample
// counts as cloudy.
const CloudyThreshold = 0.75

// WeatherWindow is the daylight slice of a low cloud cover forecast.
type WeatherWindow struct {
	Date            string        `json:"date"`
	SunriseTime     time.Time     `json:"sunriseTime"`
	SunsetTime      time.Time     `json:"sunsetTime"`
	FirstSampleTime time.Time     `json:"firstSampleTime"`
	Interval        time.Duration `json:"interval"`
	LowClouds       []float64     `json:"lowClouds"`
}

// Polar reports a polar day or night, where sunrise and sunset collapse into
// the same hour.
func (w WeatherWindow) Polar() bool {
	return w.SunriseTime.Equal(w.SunsetTime)
}

// NormalDay reports whether the sun rises before it sets on the same date.
func (w WeatherWindow) NormalDay() bool {
	return w.SunriseTime.Before(w.SunsetTime)
}

// NotCloudy is true when strictly more than half of the samples are below
// CloudyThreshold.
func (w WeatherWindow) NotCloudy() bool {
	var clear int
	for _, s := range w.LowClouds {
		if s < CloudyThreshold {
			clear++
		}
	}
	return clear*2 > len(w.LowClouds)
}
