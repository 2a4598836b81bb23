// Package boards describes what a PCB/SoC can do: GPIO range, controllers
// present and the ADC channel to GPIO mapping. It does not include wiring
// choices or operating parameters.
package boards

import "slices"

type Board struct {
	Name             string
	GPIOMin, GPIOMax int

	// Pins that cannot drive an output (ESP32 GPIO34..39).
	InputOnly []int

	// Controllers present (identities only, e.g. "spi2", "spi3").
	SPI []string

	// ADC unit -> channel index -> GPIO.
	ADC map[int][]int
}

func (b Board) HasGPIO(n int) bool { return n >= b.GPIOMin && n <= b.GPIOMax }

// CanDrive reports whether n exists and is output capable.
func (b Board) CanDrive(n int) bool { return b.HasGPIO(n) && !slices.Contains(b.InputOnly, n) }

func (b Board) HasSPI(id string) bool { return slices.Contains(b.SPI, id) }

// ADCPin maps (unit, channel) to its GPIO.
func (b Board) ADCPin(unit, channel int) (int, bool) {
	chs, ok := b.ADC[unit]
	if !ok || channel < 0 || channel >= len(chs) {
		return 0, false
	}
	return chs[channel], true
}

// ESP32DevKit is the 38-pin ESP32-WROOM DevKit. VSPI (spi3) defaults to
// MISO=19, MOSI=23, CLK=18, CS=5.
var ESP32DevKit = Board{
	Name:      "esp32_devkit",
	GPIOMin:   0,
	GPIOMax:   39,
	InputOnly: []int{34, 35, 36, 37, 38, 39},
	SPI:       []string{"spi2", "spi3"},
	ADC: map[int][]int{
		1: {36, 37, 38, 39, 32, 33, 34, 35},
		2: {4, 0, 2, 15, 13, 12, 14, 27, 25, 26},
	},
}

// Pico is the Raspberry Pi Pico (RP2040). ADC0..3 sit on GPIO26..29.
var Pico = Board{
	Name:    "pico",
	GPIOMin: 0,
	GPIOMax: 29,
	SPI:     []string{"spi0", "spi1"},
	ADC: map[int][]int{
		0: {26, 27, 28, 29},
	},
}

// RaspberryPi is the 40-pin header of a Raspberry Pi running Linux. It has
// no on-chip ADC.
var RaspberryPi = Board{
	Name:    "rpi",
	GPIOMin: 0,
	GPIOMax: 27,
	SPI:     []string{"spi0", "spi1"},
}

var all = []Board{ESP32DevKit, Pico, RaspberryPi}

// ByName looks a board up; the empty name selects ESP32DevKit.
func ByName(name string) (Board, bool) {
	if name == "" {
		return ESP32DevKit, true
	}
	for _, b := range all {
		if b.Name == name {
			return b, true
		}
	}
	return Board{}, false
}
