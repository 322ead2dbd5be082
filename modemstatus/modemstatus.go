// Package modemstatus parses the textual output of the telephony engine's
// "show device state <id>" command into a structured status record.
package modemstatus

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/elkir0/homenichat-serv/watchdog/info"
)

// Status is the structured view of a modem's health as reported by the
// telephony engine.
type Status struct {
	State        string
	RSSI         int
	Registered   bool
	Provider     string
	Voice        bool
	SMS          bool
	VolteEnabled bool
	VolteActive  bool
	Error        string
}

var firstInt = regexp.MustCompile(`-?\d+`)

// Parse scans output line by line, splitting each on the first colon and
// populating Status fields from the recognized keys. Unknown keys are
// ignored. If output mentions "No such device", State is set to
// "Not found" and Error is populated, regardless of what other lines say.
func Parse(output string) Status {
	var s Status
	providerSet := false

	for _, line := range strings.Split(output, "\n") {
		key, value, ok := info.SplitKeyValue(line)
		if !ok {
			continue
		}
		switch key {
		case "State":
			s.State = value
		case "RSSI":
			if m := firstInt.FindString(value); m != "" {
				if n, err := strconv.Atoi(m); err == nil {
					s.RSSI = n
				}
			}
		case "GSM Registration Status":
			s.Registered = strings.Contains(value, "Registered")
		case "Provider Name", "Network Name":
			if !providerSet && value != "" && value != "Unknown" {
				s.Provider = value
				providerSet = true
			}
		case "Voice":
			s.Voice = value == "Yes"
		case "SMS":
			s.SMS = value == "Yes"
		}
	}

	if strings.Contains(output, "No such device") {
		s.State = "Not found"
		s.Error = "Device not found in Asterisk"
	}

	return s
}
