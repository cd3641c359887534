package msgpack

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters"
	"github.com/clinprecision/clinops-core/adapters/memory"
	"github.com/clinprecision/clinops-core/domain/study"
)

type siteActivated struct {
	SiteID      string    `json:"siteId"`
	Country     string    `json:"country"`
	ActivatedAt time.Time `json:"activatedAt"`
	Capacity    int       `json:"capacity,omitempty"`
}

func (siteActivated) EventType() string { return "SiteActivated" }

func TestCodec_Name(t *testing.T) {
	assert.Equal(t, "msgpack", NewCodec().Name())
	assert.Equal(t, "msgpack+snappy", clinops.Compressed(NewCodec()).Name())
}

func TestCodec_Errors(t *testing.T) {
	c := NewCodec()
	_, err := c.Marshal(nil)
	assert.ErrorIs(t, err, ErrNilValue)

	var out siteActivated
	assert.ErrorIs(t, c.Unmarshal(nil, &out), ErrEmptyData)
	assert.Error(t, c.Unmarshal([]byte{0xc1}, &out), "0xc1 is never used in msgpack")
}

func TestCodec_UsesJSONFieldNames(t *testing.T) {
	c := NewCodec()
	data, err := c.Marshal(siteActivated{SiteID: "site-1", Country: "NL"})
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, c.Unmarshal(data, &generic))
	assert.Equal(t, "site-1", generic["siteId"])
	assert.Equal(t, "NL", generic["country"])
	assert.NotContains(t, generic, "capacity")
	assert.NotContains(t, generic, "SiteID")
}

func TestCodec_EventStore(t *testing.T) {
	ctx := context.Background()
	reg := clinops.NewRegistry(clinops.WithCodec(NewCodec()))
	study.RegisterEvents(reg)
	store := clinops.New(memory.NewAdapter(), reg)

	created := study.StudyCreated{StudyID: "s1", Name: "Cardio-1", ProtocolNumber: "P-001", Sponsor: "Acme"}
	stream := clinops.NewStreamID(study.Family, "s1")
	stored, err := store.Append(ctx, stream, []clinops.DomainEvent{created})
	require.NoError(t, err)
	assert.NotEqual(t, byte('{'), stored[0].Data[0])

	events, err := store.Load(ctx, stream)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, created, events[0].Data)
}

func TestCodec_Upcasting(t *testing.T) {
	ctx := context.Background()
	codec := NewCodec()
	reg := clinops.NewRegistry(clinops.WithCodec(codec))
	clinops.Register[siteActivated](reg, "Site",
		clinops.WithSchemaVersion(2),
		clinops.WithUpcaster(1, func(p map[string]interface{}) (map[string]interface{}, error) {
			p["country"] = p["countryCode"]
			delete(p, "countryCode")
			return p, nil
		}),
	)

	adapter := memory.NewAdapter()
	v1, err := codec.Marshal(map[string]interface{}{"siteId": "site-1", "countryCode": "DE"})
	require.NoError(t, err)
	_, err = adapter.Append(ctx, "Site-site-1", []adapters.EventRecord{{Type: "SiteActivated", SchemaVersion: 1, Data: v1}}, adapters.NoStream)
	require.NoError(t, err)

	events, err := clinops.New(adapter, reg).Load(ctx, clinops.NewStreamID("Site", "site-1"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	got := events[0].Data.(siteActivated)
	assert.Equal(t, "site-1", got.SiteID)
	assert.Equal(t, "DE", got.Country)
}
