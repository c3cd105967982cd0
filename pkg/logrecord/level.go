// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package logrecord

import (
	"encoding/json"
	"fmt"
)

// Level is the severity of a log record.
type Level int

// Severity levels, ordered from least to most severe.
const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

// NumLevels is the number of severity levels.
const NumLevels = 6

var levelNames = [NumLevels]string{
	"TRACE",
	"DEBUG",
	"INFO",
	"WARNING",
	"ERROR",
	"CRITICAL",
}

// String returns the canonical wire name of the level.
func (l Level) String() string {
	if l < 0 || int(l) >= NumLevels {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

// IsValid returns true if the level is one of the canonical six.
func (l Level) IsValid() bool {
	return l >= LevelTrace && l <= LevelCritical
}

// IsError returns true for levels counted as errors by the rolling
// aggregates (ERROR and CRITICAL).
func (l Level) IsError() bool {
	return l >= LevelError
}

// ParseLevel parses the canonical wire name of a level. Aliases such as
// "WARN" or "FATAL" are rejected: the ingest contract only admits the
// canonical enum.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// MarshalJSON implements json.Marshaler.
func (l Level) MarshalJSON() ([]byte, error) {
	if !l.IsValid() {
		return nil, fmt.Errorf("cannot marshal invalid level %d", int(l))
	}
	return json.Marshal(l.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
