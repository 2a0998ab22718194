package bacnet

import (
	"fmt"
	"strconv"
	"strings"
)

// PropertyID is a BACnetPropertyIdentifier enumeration value.
type PropertyID uint32

const (
	PropActiveText                 PropertyID = 4
	PropApplicationSoftwareVersion PropertyID = 12
	PropCOVIncrement               PropertyID = 22
	PropDescription                PropertyID = 28
	PropEventState                 PropertyID = 36
	PropFirmwareRevision           PropertyID = 44
	PropInactiveText               PropertyID = 46
	PropLocation                   PropertyID = 58
	PropMaxPresValue               PropertyID = 65
	PropMinPresValue               PropertyID = 69
	PropModelName                  PropertyID = 70
	PropNumberOfStates             PropertyID = 74
	PropObjectIdentifier           PropertyID = 75
	PropObjectName                 PropertyID = 77
	PropObjectType                 PropertyID = 79
	PropOutOfService               PropertyID = 81
	PropPolarity                   PropertyID = 84
	PropPresentValue               PropertyID = 85
	PropPriorityArray              PropertyID = 87
	PropPriorityForWriting         PropertyID = 88
	PropProtocolVersion            PropertyID = 98
	PropReliability                PropertyID = 103
	PropRelinquishDefault          PropertyID = 104
	PropStateText                  PropertyID = 110
	PropStatusFlags                PropertyID = 111
	PropSystemStatus               PropertyID = 112
	PropUnits                      PropertyID = 117
	PropVendorIdentifier           PropertyID = 120
	PropVendorName                 PropertyID = 121
	PropCurrentCommandPriority     PropertyID = 431
)

var propertyNames = map[PropertyID]string{
	PropActiveText:                 "activeText",
	PropApplicationSoftwareVersion: "applicationSoftwareVersion",
	PropCOVIncrement:               "covIncrement",
	PropDescription:                "description",
	PropEventState:                 "eventState",
	PropFirmwareRevision:           "firmwareRevision",
	PropInactiveText:               "inactiveText",
	PropLocation:                   "location",
	PropMaxPresValue:               "maxPresValue",
	PropMinPresValue:               "minPresValue",
	PropModelName:                  "modelName",
	PropNumberOfStates:             "numberOfStates",
	PropObjectIdentifier:           "objectIdentifier",
	PropObjectName:                 "objectName",
	PropObjectType:                 "objectType",
	PropOutOfService:               "outOfService",
	PropPolarity:                   "polarity",
	PropPresentValue:               "presentValue",
	PropPriorityArray:              "priorityArray",
	PropPriorityForWriting:         "priorityForWriting",
	PropProtocolVersion:            "protocolVersion",
	PropReliability:                "reliability",
	PropRelinquishDefault:          "relinquishDefault",
	PropStateText:                  "stateText",
	PropStatusFlags:                "statusFlags",
	PropSystemStatus:               "systemStatus",
	PropUnits:                      "units",
	PropVendorIdentifier:           "vendorIdentifier",
	PropVendorName:                 "vendorName",
	PropCurrentCommandPriority:     "currentCommandPriority",
}

var propertiesByKey = func() map[string]PropertyID {
	m := make(map[string]PropertyID, len(propertyNames))
	for p, name := range propertyNames {
		m[normalizeName(name)] = p
	}
	return m
}()

func (p PropertyID) String() string {
	if name, ok := propertyNames[p]; ok {
		return name
	}
	return strconv.FormatUint(uint64(p), 10)
}

// ParsePropertyID accepts a property name in any common spelling or its
// number.
func ParsePropertyID(s string) (PropertyID, error) {
	if p, ok := propertiesByKey[normalizeName(s)]; ok {
		return p, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 22)
	if err != nil {
		return 0, fmt.Errorf("bacnet: unknown property %q", s)
	}
	return PropertyID(n), nil
}

func (p PropertyID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PropertyID) UnmarshalText(text []byte) error {
	id, err := ParsePropertyID(string(text))
	if err != nil {
		return err
	}
	*p = id
	return nil
}
