package scrub

import (
	"strings"
	"testing"
)

func TestScrubSSN(t *testing.T) {
	s := New()
	out := s.String("patient SSN 123-45-6789 on record")
	if strings.Contains(out, "123-45-6789") {
		t.Fatalf("SSN survived scrubbing: %s", out)
	}
	if !strings.Contains(out, "SSN-REDACTED") {
		t.Fatalf("expected SSN tag, got: %s", out)
	}
}

func TestScrubReportCategories(t *testing.T) {
	s := New()
	cats := s.Report("email bob@example.com MRN: 12345678")
	want := map[string]bool{"email": true, "mrn": true}
	for _, c := range cats {
		delete(want, c)
	}
	if len(want) != 0 {
		t.Fatalf("missing categories %v in report %v", want, cats)
	}
}

func TestHashSuffixStable(t *testing.T) {
	a := hashSuffix("123-45-6789")
	b := hashSuffix("123-45-6789")
	if a != b {
		t.Fatal("hash suffix not stable")
	}
	if len(a) != 8 {
		t.Fatalf("hash suffix length = %d, want 8", len(a))
	}
}

func TestIPsPreserved(t *testing.T) {
	s := New()
	input := "host 192.168.14.250 unreachable from 10.0.0.1"
	out := s.String(input)

	origIPs := ipPattern.FindAllString(input, -1)
	scrubbedIPs := ipPattern.FindAllString(out, -1)
	if len(origIPs) != len(scrubbedIPs) {
		t.Fatalf("IP count changed: %v -> %v", origIPs, scrubbedIPs)
	}
	for i := range origIPs {
		if origIPs[i] != scrubbedIPs[i] {
			t.Fatalf("IP %s altered to %s", origIPs[i], scrubbedIPs[i])
		}
	}
}

func TestExcludedCategory(t *testing.T) {
	s := New("email")
	out := s.String("contact ops@clinic.example")
	if !strings.Contains(out, "ops@clinic.example") {
		t.Fatalf("excluded category still scrubbed: %s", out)
	}
}

func TestScrubMapRecursive(t *testing.T) {
	s := New()
	data := map[string]interface{}{
		"hostname": "ws-014",
		"details": map[string]interface{}{
			"note": "DOB: 01/02/1980",
			"list": []interface{}{"MRN 99887766", 42},
		},
	}

	out := s.Map(data)

	// Original untouched.
	if !strings.Contains(data["details"].(map[string]interface{})["note"].(string), "01/02/1980") {
		t.Fatal("original map was modified")
	}

	details := out["details"].(map[string]interface{})
	if strings.Contains(details["note"].(string), "01/02/1980") {
		t.Fatalf("DOB survived: %v", details["note"])
	}
	list := details["list"].([]interface{})
	if strings.Contains(list[0].(string), "99887766") {
		t.Fatalf("MRN survived in list: %v", list[0])
	}
	if list[1].(int) != 42 {
		t.Fatal("non-string value altered")
	}
}

func TestContainsPHI(t *testing.T) {
	s := New()
	if !s.ContainsPHI("card 4111-1111-1111-1111") {
		t.Fatal("credit card not detected")
	}
	if s.ContainsPHI("service sshd restarted on port 22") {
		t.Fatal("false positive on infrastructure text")
	}
}
