package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"portfolio-kanban/domain"
)

// Tables names the tables and queue a Storage works against.
type Tables struct {
	Types        string
	States       string
	Items        string
	Settings     string
	CommandQueue string
}

// Store is a complete board store: reads, placement writes and seeding.
// Both the table storage and the SQLite store satisfy it.
type Store interface {
	Backend
	SeedWriter
	SaveItemPlacement(ctx context.Context, workspaceID string, item domain.ItemRecord) error
}

var _ Store = (*Storage)(nil)

// Storage provides access to Azure Table and Queue storage.
type Storage struct {
	typeTable     *aztables.Client
	stateTable    *aztables.Client
	itemTable     *aztables.Client
	settingsTable *aztables.Client
	commandQueue  *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, tables.CommandQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		typeTable:     svc.NewClient(tables.Types),
		stateTable:    svc.NewClient(tables.States),
		itemTable:     svc.NewClient(tables.Items),
		settingsTable: svc.NewClient(tables.Settings),
		commandQueue:  cq,
	}, nil
}

// Queue returns the command queue client, used by the command processor to
// dequeue what EnqueueCommands sent.
func (s *Storage) Queue() *azqueue.QueueClient {
	return s.commandQueue
}

type typeEntity struct {
	aztables.Entity
	Name    string `json:"Name"`
	Ordinal int    `json:"Ordinal"`
}

type stateEntity struct {
	aztables.Entity
	TypeRef     string `json:"TypeRef"`
	Name        string `json:"Name"`
	WIPLimit    *int   `json:"WIPLimit,omitempty"`
	Description string `json:"Description,omitempty"`
	OrderIndex  int    `json:"OrderIndex"`
	Enabled     bool   `json:"Enabled"`
}

type itemEntity struct {
	aztables.Entity
	TypeRef                 string    `json:"TypeRef"`
	StateRef                string    `json:"StateRef"`
	FormattedID             string    `json:"FormattedID"`
	Name                    string    `json:"Name"`
	Owner                   string    `json:"Owner,omitempty"`
	PercentDoneByStoryCount float64   `json:"PercentDoneByStoryCount"`
	StateChangedDate        time.Time `json:"StateChangedDate"`
	StateChangedDateType    string    `json:"StateChangedDate@odata.type,omitempty"`
	Rank                    int       `json:"Rank"`
}

type settingsEntity struct {
	aztables.Entity
	ShowPolicies bool   `json:"ShowPolicies"`
	Fields       string `json:"Fields"`
}

const edmDateTime = "Edm.DateTime"

// itemColumns are the entity properties that map onto ItemRecord fields
// rather than the free-form Fields map.
var itemColumns = map[string]struct{}{
	"PartitionKey": {}, "RowKey": {}, "Timestamp": {}, "odata.etag": {},
	"TypeRef": {}, "StateRef": {}, "FormattedID": {}, "Name": {}, "Owner": {},
	"PercentDoneByStoryCount": {}, "StateChangedDate": {}, "Rank": {},
}

// FetchTypes lists the workspace's workflow types, highest ordinal first.
func (s *Storage) FetchTypes(ctx context.Context, workspaceID string) ([]domain.WorkflowType, error) {
	filter := "PartitionKey eq " + quote(workspaceID)
	types := []domain.WorkflowType{}
	err := listEntities(ctx, s.typeTable, filter, func(data []byte) error {
		var ent typeEntity
		if err := json.Unmarshal(data, &ent); err != nil {
			return err
		}
		types = append(types, domain.WorkflowType{Ref: ent.RowKey, Name: ent.Name, Ordinal: ent.Ordinal})
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortTypes(types)
	return types, nil
}

// FetchStates returns the enabled states of typeRef ordered by order index.
func (s *Storage) FetchStates(ctx context.Context, workspaceID, typeRef string) ([]domain.StateRecord, error) {
	filter := fmt.Sprintf("PartitionKey eq %s and TypeRef eq %s and Enabled eq true", quote(workspaceID), quote(typeRef))
	states := []domain.StateRecord{}
	err := listEntities(ctx, s.stateTable, filter, func(data []byte) error {
		var ent stateEntity
		if err := json.Unmarshal(data, &ent); err != nil {
			return err
		}
		states = append(states, stateFromEntity(ent))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return EnabledInOrder(states), nil
}

// FetchItems returns the items of typeRef. Requested fields that are not part
// of ItemRecord are copied into ItemRecord.Fields.
func (s *Storage) FetchItems(ctx context.Context, workspaceID, typeRef string, fields []string) ([]domain.ItemRecord, error) {
	filter := fmt.Sprintf("PartitionKey eq %s and TypeRef eq %s", quote(workspaceID), quote(typeRef))
	items := []domain.ItemRecord{}
	err := listEntities(ctx, s.itemTable, filter, func(data []byte) error {
		item, err := decodeItemEntity(data, fields)
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// FetchItem returns a single item.
func (s *Storage) FetchItem(ctx context.Context, workspaceID, itemRef string) (domain.ItemRecord, error) {
	resp, err := s.itemTable.GetEntity(ctx, workspaceID, itemRef, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.ItemRecord{}, domain.ErrItemNotFound
		}
		return domain.ItemRecord{}, err
	}
	return decodeItemEntity(resp.Value, nil)
}

// SaveItemPlacement merges the item's state, state changed date and rank.
func (s *Storage) SaveItemPlacement(ctx context.Context, workspaceID string, item domain.ItemRecord) error {
	payload, err := json.Marshal(placementEntity(workspaceID, item))
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.itemTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if isNotFound(err) {
		return domain.ErrItemNotFound
	}
	return err
}

func placementEntity(workspaceID string, item domain.ItemRecord) map[string]any {
	ent := map[string]any{
		"PartitionKey": workspaceID,
		"RowKey":       item.Ref,
		"StateRef":     item.StateRef,
		"Rank":         item.Rank,
	}
	setStateChangedDate(ent, item.StateChangedAt)
	return ent
}

// setStateChangedDate leaves zero times out of the entity. Table storage
// rejects dates before 1601.
func setStateChangedDate(ent map[string]any, t time.Time) {
	if t.IsZero() {
		return
	}
	ent["StateChangedDate"] = t.UTC().Format(time.RFC3339Nano)
	ent["StateChangedDate@odata.type"] = edmDateTime
}

func decodeSettingsEntity(data []byte) (domain.Settings, error) {
	var ent settingsEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Settings{}, err
	}
	return domain.Settings{ShowPolicies: ent.ShowPolicies, Fields: ent.Fields}, nil
}

// FetchSettings returns the user's board settings, or defaults when none were saved.
func (s *Storage) FetchSettings(ctx context.Context, userID string) (domain.Settings, error) {
	ent, err := s.settingsTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Settings{}, nil
		}
		return domain.Settings{}, err
	}
	return decodeSettingsEntity(ent.Value)
}

// SaveSettings stores the user's board settings.
func (s *Storage) SaveSettings(ctx context.Context, userID string, settings domain.Settings) error {
	ent := settingsEntity{
		Entity:       aztables.Entity{PartitionKey: userID, RowKey: userID},
		ShowPolicies: settings.ShowPolicies,
		Fields:       settings.Fields,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.settingsTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// EnqueueCommands sends the given commands to the command queue.
func (s *Storage) EnqueueCommands(ctx context.Context, workspaceID, userID string, cmds []domain.Command) error {
	for _, cmd := range cmds {
		env := domain.CommandEnvelope{WorkspaceID: workspaceID, UserID: userID, Command: cmd}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if _, err := s.commandQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
			return err
		}
	}
	return nil
}

// UpsertType writes a workflow type.
func (s *Storage) UpsertType(ctx context.Context, workspaceID string, t domain.WorkflowType) error {
	return upsert(ctx, s.typeTable, typeEntity{
		Entity:  aztables.Entity{PartitionKey: workspaceID, RowKey: t.Ref},
		Name:    t.Name,
		Ordinal: t.Ordinal,
	})
}

// UpsertState writes a workflow state.
func (s *Storage) UpsertState(ctx context.Context, workspaceID string, st domain.StateRecord) error {
	return upsert(ctx, s.stateTable, stateEntity{
		Entity:      aztables.Entity{PartitionKey: workspaceID, RowKey: st.Ref},
		TypeRef:     st.TypeRef,
		Name:        st.Name,
		WIPLimit:    st.WIPLimit,
		Description: st.Description,
		OrderIndex:  st.OrderIndex,
		Enabled:     st.Enabled,
	})
}

// UpsertItem writes a portfolio item including its extra fields.
func (s *Storage) UpsertItem(ctx context.Context, workspaceID string, item domain.ItemRecord) error {
	ent := map[string]any{
		"PartitionKey":            workspaceID,
		"RowKey":                  item.Ref,
		"TypeRef":                 item.TypeRef,
		"StateRef":                item.StateRef,
		"FormattedID":             item.FormattedID,
		"Name":                    item.Name,
		"Owner":                   item.Owner,
		"PercentDoneByStoryCount": item.PercentDoneByStoryCount,
		"Rank":                    item.Rank,
	}
	setStateChangedDate(ent, item.StateChangedAt)
	for k, v := range item.Fields {
		if _, reserved := itemColumns[k]; reserved {
			continue
		}
		ent[k] = v
	}
	return upsert(ctx, s.itemTable, ent)
}

func upsert(ctx context.Context, table *aztables.Client, ent any) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = table.UpsertEntity(ctx, payload, nil)
	return err
}

func listEntities(ctx context.Context, table *aztables.Client, filter string, fn func([]byte) error) error {
	pager := table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, e := range resp.Entities {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func stateFromEntity(ent stateEntity) domain.StateRecord {
	return domain.StateRecord{
		Ref:         ent.RowKey,
		TypeRef:     ent.TypeRef,
		Name:        ent.Name,
		WIPLimit:    ent.WIPLimit,
		Description: ent.Description,
		OrderIndex:  ent.OrderIndex,
		Enabled:     ent.Enabled,
	}
}

func decodeItemEntity(data []byte, fields []string) (domain.ItemRecord, error) {
	var ent itemEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.ItemRecord{}, err
	}
	item := domain.ItemRecord{
		Ref:                     ent.RowKey,
		TypeRef:                 ent.TypeRef,
		StateRef:                ent.StateRef,
		FormattedID:             ent.FormattedID,
		Name:                    ent.Name,
		Owner:                   ent.Owner,
		PercentDoneByStoryCount: ent.PercentDoneByStoryCount,
		StateChangedAt:          ent.StateChangedDate,
		Rank:                    ent.Rank,
	}

	extra := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, known := itemColumns[f]; !known {
			extra = append(extra, f)
		}
	}
	if len(extra) == 0 {
		return item, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.ItemRecord{}, err
	}
	for _, f := range extra {
		v, ok := raw[f]
		if !ok || v == nil {
			continue
		}
		if item.Fields == nil {
			item.Fields = make(map[string]string, len(extra))
		}
		item.Fields[f] = fmt.Sprint(v)
	}
	return item, nil
}

// EnabledInOrder drops disabled states and sorts the rest by order index.
func EnabledInOrder(states []domain.StateRecord) []domain.StateRecord {
	out := make([]domain.StateRecord, 0, len(states))
	for _, st := range states {
		if st.Enabled {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

// SortTypes orders workflow types by ordinal, highest first.
func SortTypes(types []domain.WorkflowType) {
	sort.SliceStable(types, func(i, j int) bool {
		if types[i].Ordinal != types[j].Ordinal {
			return types[i].Ordinal > types[j].Ordinal
		}
		return types[i].Name < types[j].Name
	})
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
