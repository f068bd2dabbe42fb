package fat32

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dargueta/fatimage"
	"golang.org/x/text/encoding/unicode"
)

// ShortName is an 8.3 name as stored in a directory entry: an 8-byte stem and a
// 3-byte extension, both padded with spaces and with no dot between them.
type ShortName [11]byte

// MaxLongNameLength is the longest name, in UTF-16 code units, that can be
// stored in long file name entries.
const MaxLongNameLength = 255

// LongNameCharsPerEntry is the number of UTF-16 code units a single long file
// name directory entry holds.
const LongNameCharsPerEntry = 13

// maxNumericTail is the largest N for which "~N" still leaves one character of
// the stem.
const maxNumericTail = 999999

// illegalShortNameChars are the printable ASCII characters that can't appear in
// a short name. Lowercase letters aren't listed because they're illegal only in
// the sense that they can't be stored; they're uppercased when generating names.
const illegalShortNameChars = "\"*+,./:;<=>?[\\]|"

// illegalLongNameChars are the characters that can't appear in a long name
// either. Control characters are checked separately.
const illegalLongNameChars = "\"*/:<>?\\|"

var utf16Encoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// String returns the name in its usual "STEM.EXT" form, without padding.
func (n ShortName) String() string {
	stem := strings.TrimRight(string(n[:8]), " ")
	ext := strings.TrimRight(string(n[8:]), " ")
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}

// Checksum computes the checksum stored in every long file name entry that
// belongs to this short name.
func (n ShortName) Checksum() uint8 {
	var sum uint8
	for _, b := range n {
		sum = ((sum & 1) << 7) + (sum >> 1) + b
	}
	return sum
}

func newShortName(stem, ext string) ShortName {
	var name ShortName
	for i := range name {
		name[i] = ' '
	}
	copy(name[:8], stem)
	copy(name[8:], ext)
	return name
}

func isValidShortNameChar(c byte) bool {
	if c <= 0x20 || c >= 0x7F {
		return false
	}
	if c >= 'a' && c <= 'z' {
		return false
	}
	return strings.IndexByte(illegalShortNameChars, c) < 0
}

// EncodeLongName converts `name` to the UTF-16 code units stored in long file
// name entries.
func EncodeLongName(name string) ([]uint16, error) {
	// The encoder would quietly turn invalid bytes into U+FFFD.
	if !utf8.ValidString(name) {
		return nil, fatimage.ErrInvalidName.WithMessage(
			fmt.Sprintf("%q isn't valid UTF-8", name))
	}

	encoded, err := utf16Encoder.NewEncoder().String(name)
	if err != nil {
		return nil, fatimage.ErrInvalidName.WithMessage(
			fmt.Sprintf("%q can't be encoded as UTF-16", name)).Wrap(err)
	}

	units := make([]uint16, len(encoded)/2)
	for i := range units {
		units[i] = uint16(encoded[2*i]) | uint16(encoded[2*i+1])<<8
	}
	return units, nil
}

// ValidateLongName checks that `name` can be stored on the volume at all, either
// as a short name or with long file name entries.
func ValidateLongName(name string) error {
	if !utf8.ValidString(name) {
		return fatimage.ErrInvalidName.WithMessage(
			fmt.Sprintf("%q isn't valid UTF-8", name))
	}
	if strings.Trim(name, ". ") == "" {
		return fatimage.ErrInvalidName.WithMessage(
			fmt.Sprintf("%q has no characters other than dots and spaces", name))
	}

	for _, r := range name {
		if r < 0x20 || r == 0x7F || strings.ContainsRune(illegalLongNameChars, r) {
			return fatimage.ErrInvalidName.WithMessage(
				fmt.Sprintf("%q contains illegal character %q", name, r))
		}
	}

	units, err := EncodeLongName(name)
	if err != nil {
		return err
	}
	if len(units) > MaxLongNameLength {
		return fatimage.ErrInvalidName.WithMessage(
			fmt.Sprintf(
				"%q is %d UTF-16 characters long, more than the maximum of %d",
				name,
				len(units),
				MaxLongNameLength))
	}
	return nil
}

// ExactShortName returns the short name for `name` if it's already a valid 8.3
// name: a stem of 1 to 8 characters, optionally followed by a dot and 1 to 3
// more characters, all of them uppercase-safe. Names like this don't need any
// long file name entries.
func ExactShortName(name string) (ShortName, bool) {
	stem, ext, hasDot := strings.Cut(name, ".")
	if len(stem) < 1 || len(stem) > 8 {
		return ShortName{}, false
	}
	if hasDot && (len(ext) < 1 || len(ext) > 3) {
		return ShortName{}, false
	}

	// Cut stops at the first dot, so a second dot ends up in `ext` and is
	// rejected here.
	for i := 0; i < len(name); i++ {
		if name[i] == '.' && i == len(stem) {
			continue
		}
		if !isValidShortNameChar(name[i]) {
			return ShortName{}, false
		}
	}
	return newShortName(stem, ext), true
}

// LongNameEntryCount returns the number of long file name entries needed to
// store `name`, or 0 if it's a valid 8.3 name and needs none.
func LongNameEntryCount(name string) (int, error) {
	if _, ok := ExactShortName(name); ok {
		return 0, nil
	}

	units, err := EncodeLongName(name)
	if err != nil {
		return 0, err
	}
	return (len(units) + LongNameCharsPerEntry - 1) / LongNameCharsPerEntry, nil
}

// basisName computes the uppercased stem and extension a numeric-tail name is
// built from. Spaces and leading dots are dropped, the extension is whatever
// follows the last dot, and characters that can't be stored in a short name
// are replaced with underscores.
func basisName(name string) (string, string) {
	cleaned := strings.TrimLeft(strings.ReplaceAll(name, " ", ""), ".")

	stemPart := cleaned
	extPart := ""
	if lastDot := strings.LastIndexByte(cleaned, '.'); lastDot >= 0 {
		stemPart = cleaned[:lastDot]
		extPart = cleaned[lastDot+1:]
	}

	convert := func(part string, limit int) string {
		var builder strings.Builder
		for _, r := range part {
			if builder.Len() >= limit {
				break
			}
			if r == '.' {
				continue
			}
			if r >= 'a' && r <= 'z' {
				r -= 'a' - 'A'
			}
			if r > 0x7F || !isValidShortNameChar(byte(r)) {
				r = '_'
			}
			builder.WriteRune(r)
		}
		return builder.String()
	}

	stem := convert(stemPart, 8)
	if stem == "" {
		stem = "_"
	}
	return stem, convert(extPart, 3)
}

// ShortNameGenerator hands out unique short names for the entries of a single
// directory. Numeric tails start at 1 in every directory.
type ShortNameGenerator struct {
	used     map[ShortName]bool
	nextTail int
}

// NewShortNameGenerator creates a generator for a directory with no entries yet.
func NewShortNameGenerator() *ShortNameGenerator {
	return &ShortNameGenerator{
		used:     make(map[ShortName]bool),
		nextTail: 1,
	}
}

// Reserve marks `name` as taken, so no generated name will collide with it.
// It returns false if the name was already taken.
func (g *ShortNameGenerator) Reserve(name ShortName) bool {
	if g.used[name] {
		return false
	}
	g.used[name] = true
	return true
}

// Generate creates a numeric-tail short name ("STEM~N.EXT") for a name that
// isn't a valid 8.3 name, and reserves it.
func (g *ShortNameGenerator) Generate(name string) (ShortName, error) {
	stem, ext := basisName(name)

	for ; g.nextTail <= maxNumericTail; g.nextTail++ {
		tail := "~" + strconv.Itoa(g.nextTail)
		truncated := stem
		if len(truncated) > 8-len(tail) {
			truncated = truncated[:8-len(tail)]
		}

		candidate := newShortName(truncated+tail, ext)
		if g.Reserve(candidate) {
			g.nextTail++
			return candidate, nil
		}
	}

	return ShortName{}, fatimage.ErrInvalidName.WithMessage(
		fmt.Sprintf("ran out of numeric tails for %q", name))
}
