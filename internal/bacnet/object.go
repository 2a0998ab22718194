package bacnet

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxInstance is the largest object instance number (22 bits).
const MaxInstance = 0x3FFFFF

// ObjectType is a BACnetObjectType enumeration value.
type ObjectType uint16

const (
	ObjectAnalogInput          ObjectType = 0
	ObjectAnalogOutput         ObjectType = 1
	ObjectAnalogValue          ObjectType = 2
	ObjectBinaryInput          ObjectType = 3
	ObjectBinaryOutput         ObjectType = 4
	ObjectBinaryValue          ObjectType = 5
	ObjectCalendar             ObjectType = 6
	ObjectCommand              ObjectType = 7
	ObjectDevice               ObjectType = 8
	ObjectEventEnrollment      ObjectType = 9
	ObjectFile                 ObjectType = 10
	ObjectGroup                ObjectType = 11
	ObjectLoop                 ObjectType = 12
	ObjectMultiStateInput      ObjectType = 13
	ObjectMultiStateOutput     ObjectType = 14
	ObjectNotificationClass    ObjectType = 15
	ObjectProgram              ObjectType = 16
	ObjectSchedule             ObjectType = 17
	ObjectAveraging            ObjectType = 18
	ObjectMultiStateValue      ObjectType = 19
	ObjectTrendLog             ObjectType = 20
	ObjectLifeSafetyPoint      ObjectType = 21
	ObjectLifeSafetyZone       ObjectType = 22
	ObjectAccumulator          ObjectType = 23
	ObjectPulseConverter       ObjectType = 24
	ObjectCharacterStringValue ObjectType = 40
	ObjectIntegerValue         ObjectType = 45
	ObjectLargeAnalogValue     ObjectType = 46
	ObjectPositiveIntegerValue ObjectType = 48
)

var objectTypeNames = map[ObjectType]string{
	ObjectAnalogInput:          "analogInput",
	ObjectAnalogOutput:         "analogOutput",
	ObjectAnalogValue:          "analogValue",
	ObjectBinaryInput:          "binaryInput",
	ObjectBinaryOutput:         "binaryOutput",
	ObjectBinaryValue:          "binaryValue",
	ObjectCalendar:             "calendar",
	ObjectCommand:              "command",
	ObjectDevice:               "device",
	ObjectEventEnrollment:      "eventEnrollment",
	ObjectFile:                 "file",
	ObjectGroup:                "group",
	ObjectLoop:                 "loop",
	ObjectMultiStateInput:      "multiStateInput",
	ObjectMultiStateOutput:     "multiStateOutput",
	ObjectNotificationClass:    "notificationClass",
	ObjectProgram:              "program",
	ObjectSchedule:             "schedule",
	ObjectAveraging:            "averaging",
	ObjectMultiStateValue:      "multiStateValue",
	ObjectTrendLog:             "trendLog",
	ObjectLifeSafetyPoint:      "lifeSafetyPoint",
	ObjectLifeSafetyZone:       "lifeSafetyZone",
	ObjectAccumulator:          "accumulator",
	ObjectPulseConverter:       "pulseConverter",
	ObjectCharacterStringValue: "characterstringValue",
	ObjectIntegerValue:         "integerValue",
	ObjectLargeAnalogValue:     "largeAnalogValue",
	ObjectPositiveIntegerValue: "positiveIntegerValue",
}

var objectTypesByKey = func() map[string]ObjectType {
	m := make(map[string]ObjectType, len(objectTypeNames))
	for t, name := range objectTypeNames {
		m[normalizeName(name)] = t
	}
	return m
}()

// normalizeName folds camelCase, kebab-case and snake_case spellings together.
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, "_", "")
}

func (t ObjectType) String() string {
	if name, ok := objectTypeNames[t]; ok {
		return name
	}
	return strconv.Itoa(int(t))
}

// ParseObjectType accepts a type name in any common spelling or its number.
func ParseObjectType(s string) (ObjectType, error) {
	if t, ok := objectTypesByKey[normalizeName(s)]; ok {
		return t, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 10)
	if err != nil {
		return 0, fmt.Errorf("bacnet: unknown object type %q", s)
	}
	return ObjectType(n), nil
}

// Commandable reports whether objects of this type carry a priority array on
// presentValue.
func (t ObjectType) Commandable() bool {
	switch t {
	case ObjectAnalogOutput, ObjectAnalogValue,
		ObjectBinaryOutput, ObjectBinaryValue,
		ObjectMultiStateOutput, ObjectMultiStateValue,
		ObjectCharacterStringValue, ObjectIntegerValue,
		ObjectLargeAnalogValue, ObjectPositiveIntegerValue:
		return true
	}
	return false
}

// MultiState reports whether objects of this type expose stateText.
func (t ObjectType) MultiState() bool {
	switch t {
	case ObjectMultiStateInput, ObjectMultiStateOutput, ObjectMultiStateValue:
		return true
	}
	return false
}

// PresentValueHint returns the primitive presentValue uses for this type.
func (t ObjectType) PresentValueHint() TypeHint {
	switch t {
	case ObjectAnalogInput, ObjectAnalogOutput, ObjectAnalogValue, ObjectLargeAnalogValue:
		return HintReal
	case ObjectBinaryInput, ObjectBinaryOutput, ObjectBinaryValue:
		return HintEnumerated
	case ObjectMultiStateInput, ObjectMultiStateOutput, ObjectMultiStateValue, ObjectPositiveIntegerValue:
		return HintUnsigned
	case ObjectCharacterStringValue:
		return HintString
	}
	return HintNone
}

// ObjectReference identifies an object on a device.
type ObjectReference struct {
	Type     ObjectType
	Instance uint32
}

// NewObjectReference validates the instance number.
func NewObjectReference(t ObjectType, instance uint32) (ObjectReference, error) {
	if t > 0x3FF {
		return ObjectReference{}, fmt.Errorf("bacnet: object type %d out of range", t)
	}
	if instance > MaxInstance {
		return ObjectReference{}, fmt.Errorf("bacnet: instance %d exceeds %d", instance, MaxInstance)
	}
	return ObjectReference{Type: t, Instance: instance}, nil
}

// ParseObjectReference parses "type:instance", e.g. "analogOutput:1",
// "analog-output:1" or "1:1".
func ParseObjectReference(s string) (ObjectReference, error) {
	typ, inst, ok := strings.Cut(s, ":")
	if !ok {
		typ, inst, ok = strings.Cut(s, ",")
	}
	if !ok {
		return ObjectReference{}, fmt.Errorf("bacnet: object reference %q must be type:instance", s)
	}
	t, err := ParseObjectType(typ)
	if err != nil {
		return ObjectReference{}, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(inst), 10, 32)
	if err != nil {
		return ObjectReference{}, fmt.Errorf("bacnet: object instance %q: %w", inst, err)
	}
	return NewObjectReference(t, uint32(n))
}

func (o ObjectReference) String() string {
	return fmt.Sprintf("%s:%d", o.Type, o.Instance)
}

// ObjectID packs the reference into the 32-bit wire identifier.
func (o ObjectReference) ObjectID() uint32 {
	return uint32(o.Type)<<22 | o.Instance&MaxInstance
}

// ObjectReferenceFromID unpacks a 32-bit wire identifier.
func ObjectReferenceFromID(id uint32) ObjectReference {
	return ObjectReference{Type: ObjectType(id >> 22), Instance: id & MaxInstance}
}

func (o ObjectReference) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *ObjectReference) UnmarshalText(text []byte) error {
	ref, err := ParseObjectReference(string(text))
	if err != nil {
		return err
	}
	*o = ref
	return nil
}

// DefaultPort is the standard BACnet/IP UDP port (0xBAC0).
const DefaultPort = 47808

// PropertyAddress addresses one property, or one element of an array
// property, on a device.
type PropertyAddress struct {
	Device     string
	Object     ObjectReference
	Property   PropertyID
	ArrayIndex *uint32
}

// WithIndex returns a copy of a addressing element i.
func (a PropertyAddress) WithIndex(i uint32) PropertyAddress {
	a.ArrayIndex = &i
	return a
}

// WithProperty returns a copy of a addressing another property of the same
// object, without an array index.
func (a PropertyAddress) WithProperty(p PropertyID) PropertyAddress {
	a.Property = p
	a.ArrayIndex = nil
	return a
}

func (a PropertyAddress) String() string {
	s := fmt.Sprintf("%s %s %s", a.Device, a.Object, a.Property)
	if a.ArrayIndex != nil {
		s += fmt.Sprintf("[%d]", *a.ArrayIndex)
	}
	return s
}
