// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package routing

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/wso2/api-platform/gateway/gateway-runtime/routing-engine/pkg/core"
)

// Filter decides whether a message belongs to an endpoint list.
type Filter interface {
	Match(msg *core.Message) bool
}

// BodyFilter is implemented by filters that need the message body and so
// cannot be used by a header-only table.
type BodyFilter interface {
	Filter
	NeedsBody() bool
}

type FilterFunc func(msg *core.Message) bool

func (f FilterFunc) Match(msg *core.Message) bool { return f(msg) }

type MatchAll struct{}

func (MatchAll) Match(*core.Message) bool { return true }

type ActionFilter struct {
	Action string
}

func (f ActionFilter) Match(msg *core.Message) bool {
	return msg.Action == f.Action
}

// HeaderFilter matches on a header value. Header names are compared
// case-insensitively; an empty Value only requires presence.
type HeaderFilter struct {
	Name  string
	Value string
}

func (f HeaderFilter) Match(msg *core.Message) bool {
	for k, v := range msg.Headers {
		if !strings.EqualFold(k, f.Name) {
			continue
		}
		return f.Value == "" || v == f.Value
	}
	return false
}

type BodyContainsFilter struct {
	Substring []byte
}

func (f BodyContainsFilter) Match(msg *core.Message) bool {
	return bytes.Contains(msg.Body, f.Substring)
}

func (BodyContainsFilter) NeedsBody() bool { return true }

type AndFilter []Filter

func (a AndFilter) Match(msg *core.Message) bool {
	for _, f := range a {
		if !f.Match(msg) {
			return false
		}
	}
	return true
}

func (a AndFilter) NeedsBody() bool { return anyNeedsBody(a) }

type OrFilter []Filter

func (o OrFilter) Match(msg *core.Message) bool {
	for _, f := range o {
		if f.Match(msg) {
			return true
		}
	}
	return false
}

func (o OrFilter) NeedsBody() bool { return anyNeedsBody(o) }

func anyNeedsBody(fs []Filter) bool {
	for _, f := range fs {
		if needsBody(f) {
			return true
		}
	}
	return false
}

func needsBody(f Filter) bool {
	bf, ok := f.(BodyFilter)
	return ok && bf.NeedsBody()
}

// NewFilter builds one of the built-in filters by type name.
func NewFilter(typ, field, value string) (Filter, error) {
	switch typ {
	case "", "match_all":
		return MatchAll{}, nil
	case "action":
		return ActionFilter{Action: value}, nil
	case "header":
		if field == "" {
			return nil, fmt.Errorf("header filter requires a field")
		}
		return HeaderFilter{Name: field, Value: value}, nil
	case "body_contains":
		return BodyContainsFilter{Substring: []byte(value)}, nil
	case "and", "or":
		return nil, fmt.Errorf("%s filter requires sub-filters", typ)
	default:
		return nil, fmt.Errorf("unknown filter type %q", typ)
	}
}

// NewComposite combines children into an "and" or "or" filter.
func NewComposite(typ string, children []Filter) (Filter, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("%s filter requires sub-filters", typ)
	}
	switch typ {
	case "and":
		return AndFilter(children), nil
	case "or":
		return OrFilter(children), nil
	default:
		return nil, fmt.Errorf("filter type %q does not take sub-filters", typ)
	}
}
