package fat32

import "time"

const (
	secondMillis = 1000
	minuteMillis = 60 * secondMillis
	hourMillis   = 60 * minuteMillis
	dayMillis    = 24 * hourMillis
)

// fatEpoch is midnight UTC on January 1st, 1980, the earliest time a FAT
// timestamp can represent.
var fatEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// lastFATYear is the last year that fits in the 7-bit year field.
const lastFATYear = 1980 + 127

var monthLengths = [12]int64{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// Timestamp is a time in the packed form used by directory entries.
type Timestamp struct {
	Date uint16
	Time uint16
	// Hundredths holds the part of the time that's below the 2-second resolution
	// of Time, in units of 10 ms (0 to 199).
	Hundredths uint8
}

func isLeapYear(year int) bool {
	if year%4 != 0 {
		return false
	}
	if year%400 == 0 {
		return true
	}
	return year%100 != 0
}

func daysInMonth(year int, month int) int64 {
	if month == 2 && isLeapYear(year) {
		return 29
	}
	return monthLengths[month-1]
}

// EncodeTimestamp converts `t` to the packed FAT representation. The conversion
// is done in UTC. The second return value is false if `t` falls outside the
// years 1980 to 2107, in which case the timestamp is all zeros.
func EncodeTimestamp(t time.Time) (Timestamp, bool) {
	if t.Before(fatEpoch) {
		return Timestamp{}, false
	}
	// Sub saturates at about 292 years, which is past lastFATYear anyway.
	millis := t.Sub(fatEpoch).Milliseconds()

	year := 1980
	for {
		yearMillis := int64(365 * dayMillis)
		if isLeapYear(year) {
			yearMillis += dayMillis
		}
		if millis < yearMillis {
			break
		}
		millis -= yearMillis
		year++
		if year > lastFATYear {
			return Timestamp{}, false
		}
	}

	month := 1
	for {
		monthMillis := daysInMonth(year, month) * dayMillis
		if millis < monthMillis {
			break
		}
		millis -= monthMillis
		month++
	}

	day := millis/dayMillis + 1
	millis %= dayMillis
	hour := millis / hourMillis
	millis %= hourMillis
	minute := millis / minuteMillis
	millis %= minuteMillis
	doubleSeconds := millis / (2 * secondMillis)
	millis %= 2 * secondMillis

	return Timestamp{
		Date:       uint16(day) | uint16(month)<<5 | uint16(year-1980)<<9,
		Time:       uint16(doubleSeconds) | uint16(minute)<<5 | uint16(hour)<<11,
		Hundredths: uint8(millis / 10),
	}, true
}

// DateFromInt converts the FAT on-disk representation of a date into a Go time.Time
// object, in UTC. It's the inverse of the date half of EncodeTimestamp.
func DateFromInt(value uint16) time.Time {
	day := int(value & 0x001f)
	month := time.Month((value >> 5) & 0x000f)
	year := int(1980 + (value >> 9))

	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// TimestampFromParts converts a FAT timestamp into a time.Time object. datePart is
// required; timePart and hundredths should be 0 if they're not present in the source
// field(s). It's the inverse of EncodeTimestamp, down to its 10ms resolution.
func TimestampFromParts(datePart uint16, timePart uint16, hundredths uint8) time.Time {
	date := DateFromInt(datePart)

	seconds := int(timePart&0x001f) * 2
	minutes := int((timePart >> 5) & 0x003f)
	hours := int(timePart >> 11)
	seconds += int(hundredths) / 100
	nanoseconds := (int(hundredths) % 100) * 10 * int(time.Millisecond)

	return time.Date(
		date.Year(), date.Month(), date.Day(), hours, minutes, seconds, nanoseconds, time.UTC)
}
