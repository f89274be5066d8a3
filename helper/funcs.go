// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package helper

import (
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"time"
)

// RandomStagger returns an interval between 0 and the duration.
func RandomStagger(intv time.Duration) time.Duration {
	if intv == 0 {
		return 0
	}
	return time.Duration(uint64(rand.Int63()) % uint64(intv))
}

// NewStoppedTimer returns a timer that has already fired and been drained,
// along with a stop func suitable for deferring. Callers Reset it before
// use, which avoids the awkward dance around timers that must start idle.
func NewStoppedTimer() (*time.Timer, func() bool) {
	t := time.NewTimer(0)
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	return t, t.Stop
}

// ExpiryToRenewTime calculates how long until clients should try to renew
// credentials based on their expiration time and now.
//
// Renewals will begin halfway between now and the expiry plus some jitter.
func ExpiryToRenewTime(exp time.Time, now func() time.Time, minWait time.Duration) time.Duration {
	left := exp.Sub(now())

	if left < minWait {
		left = minWait
	}

	return (left / 2) + RandomStagger(left/10)
}

// UnusedKeys returns a pretty-printed error if any `hcl:",unusedKeys"` field
// is not empty.
func UnusedKeys(obj interface{}) error {
	val := reflect.ValueOf(obj)
	if val.Kind() == reflect.Ptr {
		val = reflect.Indirect(val)
	}
	return unusedKeysImpl([]string{}, val)
}

func unusedKeysImpl(path []string, val reflect.Value) error {
	stype := val.Type()
	for i := 0; i < stype.NumField(); i++ {
		ftype := stype.Field(i)
		fval := val.Field(i)
		tags := strings.Split(ftype.Tag.Get("hcl"), ",")
		name := tags[0]
		keys := tags[1:]

		if fval.Kind() == reflect.Ptr {
			fval = reflect.Indirect(fval)
		}

		// struct? recurse, adding the struct's key to the path
		if fval.Kind() == reflect.Struct {
			err := unusedKeysImpl(append([]string{name}, path...), fval)
			if err != nil {
				return err
			}
			continue
		}

		if len(keys) == 0 || keys[0] != "unusedKeys" {
			continue
		}

		if ks, ok := fval.Interface().([]string); ok && len(ks) != 0 {
			ps := ""
			if len(path) > 0 {
				ps = strings.Join(path, ".") + " "
			}
			return fmt.Errorf("%sunexpected keys %s",
				ps,
				strings.Join(ks, ", "))
		}
	}
	return nil
}

// RemoveEqualFold removes the first string that EqualFold matches. It
// updates xs in place.
func RemoveEqualFold(xs *[]string, search string) {
	sl := *xs
	for i, x := range sl {
		if strings.EqualFold(x, search) {
			sl = append(sl[:i], sl[i+1:]...)
			if len(sl) == 0 {
				*xs = nil
			} else {
				*xs = sl
			}
			return
		}
	}
}
