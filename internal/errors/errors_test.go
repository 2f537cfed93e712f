// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "bad split position")
	if err.Error() != "bad split position" {
		t.Errorf("expected 'bad split position', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "loading rule")
	if wrapped.Error() != "loading rule: bad split position" {
		t.Errorf("expected 'loading rule: bad split position', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindNotFound, "hostlist missing")
	if GetKind(err) != KindNotFound {
		t.Errorf("expected KindNotFound, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(New(KindUnavailable, "raw socket send failed")) {
		t.Error("KindUnavailable should be fatal")
	}
	if !IsFatal(New(KindPermission, "CAP_NET_ADMIN required")) {
		t.Error("KindPermission should be fatal")
	}
	if IsFatal(New(KindValidation, "bad port")) {
		t.Error("KindValidation should not be fatal")
	}
	if IsFatal(nil) {
		t.Error("nil is not fatal")
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindValidation, "bad port range")
	err = Attr(err, "rule", "https-general")
	err = Attr(err, "token", "443-")

	attrs := GetAttributes(err)
	if attrs["rule"] != "https-general" {
		t.Errorf("expected https-general, got %v", attrs["rule"])
	}
	if attrs["token"] != "443-" {
		t.Errorf("expected 443-, got %v", attrs["token"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "operation", "load")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["rule"] != "https-general" || allAttrs["operation"] != "load" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}
