// Copyright 2024, Pulumi Corporation.  All rights reserved.
//
// Typed stack configuration keys.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

type Type interface {
	fmt.Stringer
}

type Primitive string

var (
	String      Primitive = "String"
	StringList            = newList(String)
	Number      Primitive = "Number"
	Boolean     Primitive = "Boolean"

	Invalid Primitive = "Invalid"
)

func (p Primitive) String() string {
	return string(p)
}

type List struct {
	element Type
}

func (l List) String() string {
	return fmt.Sprintf("List<%s>", l.element)
}

func newList(c Type) List {
	return List{element: c}
}

// ParseValue converts the raw text of an environment override into a value of type t.
// Lists are comma separated; surrounding whitespace and empty items are dropped.
func ParseValue(t Type, raw string) (interface{}, error) {
	switch t {
	case String:
		return raw, nil
	case Number:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%q is not a %s", raw, t)
		}
		return n, nil
	case Boolean:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%q is not a %s", raw, t)
		}
		return b, nil
	case StringList:
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unsupported config type %v", t)
	}
}
