package commander

import (
	"context"
	"errors"
	"fmt"

	"bacnet-override/internal/bacnet"
)

// maxStates bounds the stateText reads of a multi-state object.
const maxStates = 64

// ObjectStatus is the operator readout of one object.
type ObjectStatus struct {
	Device            string                 `json:"device"`
	Object            bacnet.ObjectReference `json:"object"`
	Name              string                 `json:"name,omitempty"`
	PresentValue      bacnet.Value           `json:"present_value"`
	OutOfService      *bool                  `json:"out_of_service,omitempty"`
	PriorityArray     *bacnet.PriorityArray  `json:"priority_array,omitempty"`
	RelinquishDefault *bacnet.Value          `json:"relinquish_default,omitempty"`
	Effective         *bacnet.EffectiveValue `json:"effective,omitempty"`
	NumberOfStates    uint32                 `json:"number_of_states,omitempty"`
	StateText         []string               `json:"state_text,omitempty"`
	// Errors holds optional properties the device refused, keyed by name.
	Errors map[string]string `json:"errors,omitempty"`
}

// StateLabel returns the text of a 1-based multi-state value.
func (st *ObjectStatus) StateLabel(n uint32) string {
	if n >= 1 && int(n) <= len(st.StateText) {
		return st.StateText[n-1]
	}
	return fmt.Sprintf("state %d", n)
}

// Status reads objectName, presentValue, outOfService, the priority array,
// relinquishDefault and, for multi-state objects, numberOfStates and each
// stateText. A refused optional property is recorded in Errors; a transport
// timeout aborts.
func (c *Commander) Status(ctx context.Context, device string, object bacnet.ObjectReference) (*ObjectStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &ObjectStatus{Device: device, Object: object}
	base := bacnet.PropertyAddress{Device: device, Object: object}

	optional := func(prop bacnet.PropertyID) (bacnet.Value, bool, error) {
		v, err := c.read(ctx, base.WithProperty(prop))
		if err == nil {
			return v, true, nil
		}
		if errors.Is(err, ErrReject) {
			st.noteError(prop.String(), err)
			return bacnet.Value{}, false, nil
		}
		return bacnet.Value{}, false, err
	}

	if v, ok, err := optional(bacnet.PropObjectName); err != nil {
		return nil, err
	} else if ok {
		st.Name = v.Str
	}

	pv, err := c.read(ctx, base.WithProperty(bacnet.PropPresentValue))
	if err != nil {
		return nil, err
	}
	st.PresentValue = pv

	if v, ok, err := optional(bacnet.PropOutOfService); err != nil {
		return nil, err
	} else if ok && v.Kind == bacnet.KindBoolean {
		b := v.Bool
		st.OutOfService = &b
	}

	if object.Type.Commandable() {
		arr, err := c.readArray(ctx, device, object)
		switch {
		case err == nil:
			st.PriorityArray = &arr
		case errors.Is(err, ErrReject):
			st.noteError(bacnet.PropPriorityArray.String(), err)
		default:
			return nil, err
		}

		if v, ok, err := optional(bacnet.PropRelinquishDefault); err != nil {
			return nil, err
		} else if ok {
			st.RelinquishDefault = &v
		}

		if st.PriorityArray != nil {
			def := bacnet.Null()
			if st.RelinquishDefault != nil {
				def = *st.RelinquishDefault
			}
			eff := bacnet.ResolveEffective(*st.PriorityArray, def)
			st.Effective = &eff
		}
	}

	if object.Type.MultiState() {
		if err := c.readStates(ctx, base, st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (c *Commander) readStates(ctx context.Context, base bacnet.PropertyAddress, st *ObjectStatus) error {
	v, err := c.read(ctx, base.WithProperty(bacnet.PropNumberOfStates))
	if err != nil {
		if errors.Is(err, ErrReject) {
			st.noteError(bacnet.PropNumberOfStates.String(), err)
			return nil
		}
		return err
	}
	if v.Kind != bacnet.KindUnsigned {
		st.noteError(bacnet.PropNumberOfStates.String(), fmt.Errorf("%w: %s", ErrDecodeFallback, v))
		return nil
	}
	st.NumberOfStates = v.Uint
	n := maxStates
	if v.Uint <= maxStates {
		n = int(v.Uint)
	} else {
		c.logger.Warn("numberOfStates capped", "object", base.Object.String(), "reported", v.Uint, "cap", maxStates)
	}

	textAddr := base.WithProperty(bacnet.PropStateText)
	st.StateText = make([]string, n)
	for i := 1; i <= n; i++ {
		label := fmt.Sprintf("state %d", i)
		t, err := c.read(ctx, textAddr.WithIndex(uint32(i)))
		switch {
		case err == nil && t.Kind == bacnet.KindCharacterString && t.Str != "":
			label = t.Str
		case err == nil, errors.Is(err, ErrReject):
		default:
			return err
		}
		st.StateText[i-1] = label
	}
	return nil
}

func (st *ObjectStatus) noteError(prop string, err error) {
	if st.Errors == nil {
		st.Errors = make(map[string]string)
	}
	st.Errors[prop] = err.Error()
}
