package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatchesCapabilityExact(t *testing.T) {
	require.True(t, MatchesCapability("fs:read:workspace", "fs:read:workspace"))
	require.False(t, MatchesCapability("fs:read:workspace", "fs:write:workspace"))
}

func TestMatchesCapabilityWildcardSegment(t *testing.T) {
	require.True(t, MatchesCapability("net:outbound:*", "net:outbound:docs.example.com"))
	require.True(t, MatchesCapability("net:outbound:*", "net:outbound:"))
	require.False(t, MatchesCapability("net:outbound:*", "net:inbound:docs.example.com"))
}

func TestMatchesCapabilityBareStar(t *testing.T) {
	require.True(t, MatchesCapability("*", "anything:at:all"))
}

func TestMatchesCapabilityNoWildcardRequiresExact(t *testing.T) {
	require.False(t, MatchesCapability("proc:spawn:git", "proc:spawn:python"))
}

func TestAnyGrantSatisfies(t *testing.T) {
	granted := []string{"fs:read:workspace", "proc:spawn:git", "net:outbound:*"}
	require.True(t, AnyGrantSatisfies(granted, "net:outbound:docs.example.com"))
	// A trailing "*" is ".*", so it also matches across further segments.
	require.True(t, AnyGrantSatisfies(granted, "net:outbound:docs.example.com:extra"))
	require.False(t, AnyGrantSatisfies(granted, "fs:write:workspace"))
}

func TestMissingCapabilitiesDeduplicatesAndPreservesOrder(t *testing.T) {
	granted := []string{"fs:read:workspace"}
	required := []string{"fs:read:workspace", "net:outbound:x", "net:outbound:x", "proc:spawn:git"}
	missing := MissingCapabilities(granted, required)
	require.Equal(t, []string{"net:outbound:x", "proc:spawn:git"}, missing)
}

func TestMissingCapabilitiesEmptyWhenAllGranted(t *testing.T) {
	granted := []string{"*"}
	required := []string{"fs:read:workspace", "net:outbound:x"}
	require.Empty(t, MissingCapabilities(granted, required))
}

func TestAuditRingBoundedAndFiltersBySubject(t *testing.T) {
	ring := NewAuditRing(2)
	ring.Record(AuditEntry{Timestamp: time.Now(), Subject: "s1", ToolName: "exec", Allowed: true})
	ring.Record(AuditEntry{Timestamp: time.Now(), Subject: "s2", ToolName: "read", Allowed: true})
	ring.Record(AuditEntry{Timestamp: time.Now(), Subject: "s1", ToolName: "web_fetch", Allowed: false})

	recent := ring.Recent("s1", 10)
	require.Len(t, recent, 1)
	require.Equal(t, "web_fetch", recent[0].ToolName)
}

func TestAuditRingDefaultsCapacityWhenNonPositive(t *testing.T) {
	ring := NewAuditRing(0)
	require.Equal(t, 1000, ring.cap)
}
