package cloudevents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() *Event {
	e := New("com.foundry.oms.objecttype.created", map[string]interface{}{
		"entity_id": "Customer",
		"branch":    "main",
	})
	e.Time = time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	e.Branch = "main"
	e.Commit = "abc123"
	e.Author = "alice"
	return e
}

func TestEncodeBinary_RoundTrip(t *testing.T) {
	e := sampleEvent()

	headers, body, err := e.EncodeBinary()
	require.NoError(t, err)
	assert.Equal(t, "1.0", headers["ce-specversion"])
	assert.Equal(t, e.Type, headers["ce-type"])
	assert.Equal(t, e.ID, headers["ce-id"])
	assert.Equal(t, "main", headers["ce-branch"])
	assert.Equal(t, "abc123", headers["ce-commit"])
	assert.NotContains(t, headers, "ce-tenant")

	decoded, err := DecodeBinary(headers, body)
	require.NoError(t, err)
	assert.Equal(t, e.Type, decoded.Type)
	assert.Equal(t, e.ID, decoded.ID)
	assert.True(t, e.Time.Equal(decoded.Time))
	assert.Equal(t, "alice", decoded.Author)
	assert.Equal(t, "Customer", decoded.Data["entity_id"])
}

func TestDecodeBinary_CaseInsensitiveHeaders(t *testing.T) {
	e := sampleEvent()
	headers, body, err := e.EncodeBinary()
	require.NoError(t, err)

	upper := make(map[string]string, len(headers))
	for k, v := range headers {
		if len(k) > 3 && k[:3] == "ce-" {
			upper["Ce-"+k[3:]] = v
		}
	}
	upper["Content-Type"] = headers["content-type"]

	decoded, err := DecodeBinary(upper, body)
	require.NoError(t, err)
	assert.Equal(t, e.Type, decoded.Type)
}

func TestEncodeStructured_RoundTrip(t *testing.T) {
	e := sampleEvent()
	body, err := e.EncodeStructured()
	require.NoError(t, err)

	decoded, err := DecodeStructured(body)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Commit, decoded.Commit)
}

func TestValidate(t *testing.T) {
	e := sampleEvent()
	e.SpecVersion = "0.3"
	assert.Error(t, e.Validate())

	e = sampleEvent()
	e.Type = ""
	_, _, err := e.EncodeBinary()
	assert.Error(t, err)
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "com.foundry.oms.objecttype.created", TypeName("objecttype", "created"))

	resource, action := SplitType("com.foundry.oms.branch.merged")
	assert.Equal(t, "branch", resource)
	assert.Equal(t, "merged", action)
}

func TestClassOf(t *testing.T) {
	cases := map[string]Class{
		"com.foundry.oms.objecttype.created":     ClassSchema,
		"com.foundry.oms.sharedproperty.deleted": ClassSchema,
		"com.foundry.oms.branch.merged":          ClassBranch,
		"com.foundry.oms.proposal.approved":      ClassBranch,
		"com.foundry.oms.job.completed":          ClassAction,
		"com.foundry.oms.system.backpressure":    ClassSystem,
		"com.foundry.oms.widget.spun":            ClassOther,
	}
	for typ, want := range cases {
		assert.Equal(t, want, ClassOf(typ), typ)
	}
}

func TestMatchType(t *testing.T) {
	assert.True(t, MatchType("*", "com.foundry.oms.objecttype.created"))
	assert.True(t, MatchType("", "anything"))
	assert.True(t, MatchType("objecttype.*", "com.foundry.oms.objecttype.created"))
	assert.True(t, MatchType("*.created", "com.foundry.oms.objecttype.created"))
	assert.False(t, MatchType("*.deleted", "com.foundry.oms.objecttype.created"))
	assert.False(t, MatchType("a.b.c.d.e.f", "c.d.e.f"))
}

func TestBusSubject(t *testing.T) {
	e := sampleEvent()
	assert.Equal(t, "oms.objecttype.created.main.Customer", BusSubject(e))

	// Branch-class subjects carry the branch name from the payload.
	b := New("com.foundry.oms.branch.merged", map[string]interface{}{"branch_name": "feature/x"})
	assert.Equal(t, "oms.branch.merged.feature-x", BusSubject(b))

	// Missing routing fields become placeholders.
	s := New("com.foundry.oms.objecttype.created", nil)
	assert.Equal(t, "oms.objecttype.created._._", BusSubject(s))
}

func TestToCloudBus(t *testing.T) {
	e := sampleEvent()
	entry, err := ToCloudBus(e)
	require.NoError(t, err)
	assert.Equal(t, "oms.oms.foundry.com.ontology", entry.Source)
	assert.Equal(t, "Objecttype Created", entry.DetailType)
	assert.Equal(t, e.Type, entry.Detail.CloudEvents["type"])
	assert.Equal(t, "main", entry.Detail.OMSContext["ce_branch"])
	assert.Equal(t, "abc123", entry.Detail.OMSContext["ce_commit"])
}

func TestNormalizeType(t *testing.T) {
	cases := map[string]string{
		"com.foundry.oms.objecttype.created": "com.foundry.oms.objecttype.created",
		"OBJECT_TYPE_CREATED":                "com.foundry.oms.objecttype.created",
		"objectType.created":                 "com.foundry.oms.objecttype.created",
		"oms.object_type.deleted":            "com.foundry.oms.objecttype.deleted",
		"":                                   UnknownType,
		"garbage":                            UnknownType,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeType(in), in)
	}
}

func TestNormalizeType_AlwaysCanonical(t *testing.T) {
	inputs := []string{
		"SCHEMA_MIGRATED", "a.b", "linkType.created", "x.y.z.w",
		"com.foundry.oms.branch.merged", "BRANCH_MERGED", "weird input",
	}
	for _, in := range inputs {
		out := NormalizeType(in)
		assert.True(t, isCanonicalType(out), "NormalizeType(%q) = %q is not canonical", in, out)
	}
}

func TestFromLegacy(t *testing.T) {
	// Shape 1: already an envelope, with a legacy type spelling.
	envelope := []byte(`{"specversion":"1.0","type":"OBJECT_TYPE_CREATED","source":"//x","id":"e-1","data":{"a":1}}`)
	e, err := FromLegacy(envelope)
	require.NoError(t, err)
	assert.Equal(t, "com.foundry.oms.objecttype.created", e.Type)
	assert.Equal(t, "e-1", e.ID)

	// Shape 2: outbox row.
	row := []byte(`{"id":"row-1","type":"objectType.created","payload":{"entity_id":"A"},"branch":"main","commit_hash":"h1"}`)
	e, err = FromLegacy(row)
	require.NoError(t, err)
	assert.Equal(t, "com.foundry.oms.objecttype.created", e.Type)
	assert.Equal(t, "row-1", e.ID)
	assert.Equal(t, "main", e.Branch)
	assert.Equal(t, "h1", e.Commit)
	assert.Equal(t, "A", e.Data["entity_id"])

	// Shape 3: event_type + data.
	custom := []byte(`{"event_type":"BRANCH_MERGED","data":{"branch_name":"feat"},"author":"bob"}`)
	e, err = FromLegacy(custom)
	require.NoError(t, err)
	assert.Equal(t, "com.foundry.oms.branch.merged", e.Type)
	assert.Equal(t, "bob", e.Author)

	// Shape 4: bus-subject form.
	subj := []byte(`{"subject":"oms.objecttype.created.main.Asset","data":{}}`)
	e, err = FromLegacy(subj)
	require.NoError(t, err)
	assert.Equal(t, "com.foundry.oms.objecttype.created", e.Type)
	assert.Equal(t, "main", e.Branch)

	// Unknown shape falls back rather than failing.
	e, err = FromLegacy([]byte(`{"mystery":true}`))
	require.NoError(t, err)
	assert.Equal(t, UnknownType, e.Type)
	assert.Equal(t, true, e.Data["mystery"])

	_, err = FromLegacy([]byte(`not json`))
	assert.Error(t, err)
}
