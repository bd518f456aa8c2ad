package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type fakeExecutor struct {
	output string
	err    error
	script string
}

func (f *fakeExecutor) RunScript(ctx context.Context, hostname, script, username, password string, timeout int) (string, error) {
	f.script = script
	return f.output, f.err
}

func TestEnumerateAllClassifies(t *testing.T) {
	exec := &fakeExecutor{output: `[
		{"Name":"DC01","DNSHostName":"dc01.corp.local","IPv4Address":"10.0.0.5","OperatingSystem":"Windows Server 2022 Standard","PrimaryGroupID":516},
		{"Name":"FILE01","DNSHostName":"file01.corp.local","IPv4Address":"10.0.0.6","OperatingSystem":"Windows Server 2019","PrimaryGroupID":515},
		{"Name":"WS-FRONT","DNSHostName":"ws-front.corp.local","OperatingSystem":"Windows 11 Pro","PrimaryGroupID":515},
		{"Name":"WS-OLD","OperatingSystem":"Windows 7 Home","PrimaryGroupID":515}
	]`}

	enum := NewADEnumerator("dc01", "admin", "pw", "corp.local", exec)
	servers, workstations, err := enum.EnumerateAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(servers) != 2 {
		t.Errorf("servers = %d, want 2", len(servers))
	}
	if len(workstations) != 1 || workstations[0].Hostname != "WS-FRONT" {
		t.Errorf("workstations = %+v", workstations)
	}
	if !servers[0].IsDomainController {
		t.Error("PrimaryGroupID 516 should mark a domain controller")
	}
	if servers[1].IPAddress == nil || *servers[1].IPAddress != "10.0.0.6" {
		t.Error("IPv4Address not carried")
	}
}

func TestEnumerateAllSingleObject(t *testing.T) {
	// ConvertTo-Json drops the array wrapper for a single result.
	exec := &fakeExecutor{output: `{"Name":"DC01","DNSHostName":"dc01.corp.local","OperatingSystem":"Windows Server 2022","PrimaryGroupID":516}`}

	servers, _, err := NewADEnumerator("dc01", "a", "p", "", exec).EnumerateAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0].Hostname != "DC01" {
		t.Errorf("servers = %+v", servers)
	}
}

func TestEnumerateAllErrors(t *testing.T) {
	exec := &fakeExecutor{err: fmt.Errorf("winrm timeout")}
	if _, _, err := NewADEnumerator("dc01", "a", "p", "", exec).EnumerateAll(context.Background()); err == nil {
		t.Error("expected error from executor failure")
	}

	if _, _, err := NewADEnumerator("dc01", "a", "p", "", nil).EnumerateAll(context.Background()); err == nil {
		t.Error("expected error without executor")
	}

	exec = &fakeExecutor{output: "not json"}
	if _, _, err := NewADEnumerator("dc01", "a", "p", "", exec).EnumerateAll(context.Background()); err == nil {
		t.Error("expected error on malformed output")
	}
}

func TestEnumerateAllEmpty(t *testing.T) {
	exec := &fakeExecutor{output: "  \n"}
	servers, workstations, err := NewADEnumerator("dc01", "a", "p", "", exec).EnumerateAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if servers != nil || workstations != nil {
		t.Error("empty output should yield no computers")
	}
}

func TestTestConnectivityNoAddress(t *testing.T) {
	if TestConnectivity(context.Background(), &ADComputer{}, 5985) {
		t.Error("host without any address must be unreachable")
	}
}

func TestDNToDomain(t *testing.T) {
	cases := map[string]string{
		"DC=northvalley,DC=local":        "northvalley.local",
		"CN=x,DC=corp,DC=example,DC=com": "corp.example.com",
		"CN=onlycn":                      "",
		"":                               "",
	}
	for dn, want := range cases {
		if got := dnToDomain(dn); got != want {
			t.Errorf("dnToDomain(%q) = %q, want %q", dn, got, want)
		}
	}
}

func TestNetbiosName(t *testing.T) {
	if got := netbiosName("northvalley.local"); got != "NORTHVALLEY" {
		t.Errorf("netbiosName = %s", got)
	}
	if got := netbiosName("corp"); got != "CORP" {
		t.Errorf("netbiosName = %s", got)
	}
}

func TestNamingContextFromResponse(t *testing.T) {
	// Attribute name followed by a BER octet string value.
	payload := []byte("defaultNamingContext")
	value := "DC=corp,DC=local"
	payload = append(payload, 0x30, byte(len(value)+2), 0x04, byte(len(value)))
	payload = append(payload, []byte(value)...)

	if got := namingContextFromResponse(payload); got != value {
		t.Errorf("namingContext = %q, want %q", got, value)
	}

	// Fallback path: DC= pattern without the attribute marker.
	if got := namingContextFromResponse([]byte("garbage DC=fallback,DC=net garbage")); got != "DC=fallback,DC=net" {
		t.Errorf("fallback = %q", got)
	}
	if got := namingContextFromResponse([]byte("nothing here")); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestRootDSERequestShape(t *testing.T) {
	pkt := rootDSERequest()
	if len(pkt) == 0 || pkt[0] != 0x30 {
		t.Fatalf("packet must start with a SEQUENCE, got % x", pkt[:1])
	}
	if string(pkt[len(pkt)-len("defaultNamingContext"):]) != "defaultNamingContext" {
		t.Error("attribute list must close the packet")
	}
}

func TestBerLength(t *testing.T) {
	cases := map[int][]byte{
		5:   {0x05},
		127: {0x7f},
		200: {0x81, 0xc8},
		300: {0x82, 0x01, 0x2c},
	}
	for l, want := range cases {
		got := berLength(l)
		if len(got) != len(want) {
			t.Errorf("berLength(%d) = % x, want % x", l, got, want)
			continue
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("berLength(%d) = % x, want % x", l, got, want)
				break
			}
		}
	}
}

func TestDiscoverTimeoutDefault(t *testing.T) {
	// With an already-cancelled context every probe fails fast.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewFinder(nil)
	done := make(chan *Domain, 1)
	go func() { done <- f.Discover(ctx, time.Second) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Discover did not return under a cancelled context")
	}
}
