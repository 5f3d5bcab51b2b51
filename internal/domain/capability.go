package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Capability это именованный вид разрешения, который навык декларирует,
// а агент получает. Набор закрыт: неизвестные значения отвергаются при разборе.
type Capability string

const (
	CapReadFile       Capability = "read-file"
	CapWriteFile      Capability = "write-file"
	CapNetworkCall    Capability = "network-call"
	CapSendMessage    Capability = "send-message"
	CapUseCredentials Capability = "use-credentials"
	CapReadData       Capability = "read-data"
	CapWriteData      Capability = "write-data"
	CapExecutePayment Capability = "execute-payment"
)

// AllCapabilities фиксирует порядок перечисления. Индекс (с единицы)
// служит кодом возможности на границе с хост-модулем песочницы.
var AllCapabilities = []Capability{
	CapReadFile,
	CapWriteFile,
	CapNetworkCall,
	CapSendMessage,
	CapUseCredentials,
	CapReadData,
	CapWriteData,
	CapExecutePayment,
}

// ParseCapability возвращает ErrManifestInvalid для всего, что вне закрытого набора.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown capability kind %q", ErrManifestInvalid, s)
	}
	return c, nil
}

func (c Capability) Valid() bool {
	for _, k := range AllCapabilities {
		if k == c {
			return true
		}
	}
	return false
}

// Code возвращает 0 для неизвестной возможности.
func (c Capability) Code() uint32 {
	for i, k := range AllCapabilities {
		if k == c {
			return uint32(i + 1)
		}
	}
	return 0
}

func CapabilityFromCode(code uint32) (Capability, bool) {
	if code == 0 || int(code) > len(AllCapabilities) {
		return "", false
	}
	return AllCapabilities[code-1], true
}

// NeedsCredential: возможность выходит за пределы песочницы и требует
// скоупленного краткоживущего токена.
func (c Capability) NeedsCredential() bool {
	switch c {
	case CapNetworkCall, CapSendMessage, CapUseCredentials, CapExecutePayment, CapReadData, CapWriteData:
		return true
	}
	return false
}

// CapabilitySet: неизменяемое по соглашению множество возможностей.
type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// ParseCapabilitySet валидирует каждый элемент, дубликаты схлопываются.
func ParseCapabilitySet(raw []string) (CapabilitySet, error) {
	s := make(CapabilitySet, len(raw))
	for _, r := range raw {
		c, err := ParseCapability(r)
		if err != nil {
			return nil, err
		}
		s[c] = struct{}{}
	}
	return s, nil
}

func (s CapabilitySet) Contains(c Capability) bool {
	_, ok := s[c]
	return ok
}

// SubsetOf: каждый элемент s есть в other. Пустое множество является подмножеством любого.
func (s CapabilitySet) SubsetOf(other CapabilitySet) bool {
	for c := range s {
		if !other.Contains(c) {
			return false
		}
	}
	return true
}

// Missing возвращает отсортированные элементы s, которых нет в other.
func (s CapabilitySet) Missing(other CapabilitySet) []Capability {
	var out []Capability
	for c := range s {
		if !other.Contains(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet)
	for c := range s {
		if other.Contains(c) {
			out[c] = struct{}{}
		}
	}
	return out
}

func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Sorted: детерминированный порядок для логов, аудита и хранения.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s CapabilitySet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, c := range sorted {
		out[i] = string(c)
	}
	return out
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseCapabilitySet(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
