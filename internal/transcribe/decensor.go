/*
DESCRIPTION
  decensor.go rewrites asterisked profanity in a recognised segment's text
  back to its canonical spelling, for both the lowercase and capitalised
  form of each entry.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package transcribe

import "strings"

// decensorEntry is one censored-to-canonical mapping. Order matters: longer,
// more specific patterns are listed before the shorter ones they overlap
// with (e.g. "f***ing" before "f***"), which is the order Decensor applies
// them in.
type decensorEntry struct {
	old, new string
}

// decensorTable is the fixed profanity lookup applied to every ASR segment.
// Keep entries lowercase; capitalise is derived automatically for each.
var decensorTable = []decensorEntry{
	{"f**k", "fuck"},
	{"f***ing", "fucking"},
	{"f*****g", "fucking"},
	{"f******", "fucking"},
	{"fuck***t", "fucking bullshit"},
	{"fuck***", "fucking"},
	{"f**ing", "fucking"},
	{"f*****", "fucker"},
	{"f***", "fuck"},
	{"f**", "fuck"},
	{"sh**", "shit"},
	{"s**t", "shit"},
	{"s***", "shit"},
	{"a**", "ass"},
	{"b**ch", "bitch"},
	{"b***h", "bitch"},
	{"c***", "cunt"},
	{"p***y", "pussy"},
	{"d**n", "damn"},
	{"****", "fuck"},
}

// capitalize upper-cases the first rune of s and lower-cases the rest,
// matching Python's str.capitalize() so the derived capitalised variant of
// each table entry lines up with what the original produces.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToUpper(string(r[0])) + strings.ToLower(string(r[1:]))
}

// Decensor rewrites every occurrence of every decensorTable entry in text,
// trying each entry's lowercase form then its capitalised form, in table
// order. Replacement is case-sensitive and produces no asterisks, so
// applying Decensor to its own output is always a fixed point.
func Decensor(text string) string {
	for _, e := range decensorTable {
		text = strings.ReplaceAll(text, e.old, e.new)
		text = strings.ReplaceAll(text, capitalize(e.old), capitalize(e.new))
	}
	return text
}
