package meeting

import (
	"fmt"
	"strings"
)

// FormatPin groups a bridge passcode the way invitations print it. Ten
// digit PINs group as 4-2-4 and thirteen digit PINs as 4-2-4-3; anything
// else is returned untouched.
func FormatPin(pin string) string {
	switch len(pin) {
	case 10:
		return fmt.Sprintf("%s %s %s", pin[:4], pin[4:6], pin[6:])
	case 13:
		return fmt.Sprintf("%s %s %s %s", pin[:4], pin[4:6], pin[6:10], pin[10:])
	default:
		return pin
	}
}

// Description renders the plain-text invitation body for a scheduled
// meeting.
func (mtg *Scheduled) Description() string {
	var b strings.Builder

	fmt.Fprintf(&b, "---------- %s ----------\n", "Amazon Chime Meeting Information")
	b.WriteString("You have been invited to an online meeting, powered by Amazon Chime.\n\n")
	fmt.Fprintf(&b, "1. Click to join the meeting: %s\nMeeting ID: %s\n\n", mtg.JoinURL, mtg.MeetingIDForDisplay)

	if mtg.Passcode != "" {
		b.WriteString("2. You can use your computer's microphone and speakers; however, a headset is recommended. Or, call in using your phone:\n\n")
		if len(mtg.InternationalDialinInfo) == 0 {
			if mtg.TollFreeDialin != "" {
				fmt.Fprintf(&b, "Toll Free: %s\n", mtg.TollFreeDialin)
			}
			if mtg.TollDialin != "" {
				fmt.Fprintf(&b, "Toll: %s\n", mtg.TollDialin)
			}
		} else {
			for _, d := range mtg.InternationalDialinInfo {
				fmt.Fprintf(&b, "%s: %s\n", d.DisplayString, d.Number)
			}
		}
		fmt.Fprintf(&b, "\nMeeting PIN: %s\n\n", FormatPin(mtg.Passcode))
		dialin := mtg.TollFreeDialin
		if dialin == "" {
			dialin = mtg.TollDialin
		}
		fmt.Fprintf(&b, "One-click Mobile Dial-in: %s,,%s#\n\n", dialin, mtg.Passcode)
		fmt.Fprintf(&b, "International: %s\n\n", mtg.InternationalDialinInfoURL)
	}
	fmt.Fprintf(&b, "---------- %s ---------", "End of Amazon Chime Meeting Information")

	return b.String()
}
