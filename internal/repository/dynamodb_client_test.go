package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"microapp-engine/internal/domain"
)

type fakeDynamo struct {
	getOut      *dynamodb.GetItemOutput
	getErr      error
	queryOuts   []*dynamodb.QueryOutput
	queryErr    error
	txErr       error
	lastGetIn   *dynamodb.GetItemInput
	queryIns    []*dynamodb.QueryInput
	lastTxInput *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetIn = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	cp := *in
	f.queryIns = append(f.queryIns, &cp)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func completedRun(t *testing.T) domain.Run {
	t.Helper()
	run := domain.NewRun("run-1", "gpt-4o", testNow)
	run.AppendMessage(domain.RoleUser, "Write about volcanoes", testNow)
	passed := true
	score := 7.5
	require.NoError(t, run.Complete(domain.RunResult{
		Cost: 0.02, Credits: 1, SessionID: "sess-1", RemoteID: "remote-1", Passed: &passed, Score: &score,
	}, testNow.Add(time.Second)))
	run.AppendMessage(domain.RoleAssistant, "Lava!", testNow.Add(time.Second))
	return run
}

func testConversation(runs ...domain.Run) domain.Conversation {
	return domain.Conversation{ID: "abc", MicroappID: "app-1", Runs: runs, CreatedAt: testNow, UpdatedAt: testNow.Add(time.Second)}
}

// ---------------------------------------------------------------------------
// SaveRun
// ---------------------------------------------------------------------------

func TestSaveRun_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	run := completedRun(t)

	require.NoError(t, c.SaveRun(context.Background(), testConversation(run), run))
	require.NotNil(t, db.lastTxInput)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	put := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "attribute_not_exists(SK) OR #status IN (:pending, :status)", *put.ConditionExpression)
	require.Equal(t, "completed", put.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "CONV#abc", put.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, runSK(run), put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "0.02", put.Item["cost"].(*types.AttributeValueMemberN).Value)
	require.Len(t, put.Item["messages"].(*types.AttributeValueMemberL).Value, 2)

	meta := db.lastTxInput.TransactItems[1].Put
	require.Equal(t, skMeta, meta.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "1", meta.Item["runs"].(*types.AttributeValueMemberN).Value)
}

func TestSaveRun_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	run := completedRun(t)

	err := c.SaveRun(context.Background(), domain.Conversation{}, run)
	require.ErrorContains(t, err, "conversation id")

	err = c.SaveRun(context.Background(), testConversation(), domain.Run{})
	require.ErrorContains(t, err, "run id")
}

func TestSaveRun_DynamoError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("transaction canceled")}
	c := mustNewClient(t, db)
	run := completedRun(t)
	err := c.SaveRun(context.Background(), testConversation(run), run)
	require.Error(t, err)
	require.Contains(t, err.Error(), "SaveRun")
}

// ---------------------------------------------------------------------------
// LoadConversation
// ---------------------------------------------------------------------------

func TestLoadConversation_RoundTrip(t *testing.T) {
	first := completedRun(t)
	second := domain.NewRun("run-2", "gpt-4o", testNow.Add(time.Minute))
	require.NoError(t, second.Fail("model is overloaded", testNow.Add(time.Minute)))
	conv := testConversation(first, second)

	db := &fakeDynamo{
		getOut: &dynamodb.GetItemOutput{Item: metaItem(conv)},
		queryOuts: []*dynamodb.QueryOutput{
			{
				Items:            []map[string]types.AttributeValue{runItem("abc", first)},
				LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "CONV#abc"}},
			},
			{Items: []map[string]types.AttributeValue{runItem("abc", second)}},
		},
	}
	c := mustNewClient(t, db)

	got, ok, err := c.LoadConversation(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, conv, got)

	require.True(t, *db.lastGetIn.ConsistentRead)
	require.Len(t, db.queryIns, 2, "follows LastEvaluatedKey")
	require.Nil(t, db.queryIns[0].ExclusiveStartKey)
	require.NotNil(t, db.queryIns[1].ExclusiveStartKey)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.queryIns[0].KeyConditionExpression)
	require.True(t, *db.queryIns[0].ScanIndexForward)
}

func TestLoadConversation_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	_, ok, err := c.LoadConversation(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, db.queryIns)
}

func TestLoadConversation_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, _, err := c.LoadConversation(context.Background(), "abc")
	require.ErrorContains(t, err, "get meta")

	conv := testConversation()
	c = mustNewClient(t, &fakeDynamo{
		getOut:   &dynamodb.GetItemOutput{Item: metaItem(conv)},
		queryErr: errors.New("ResourceNotFoundException"),
	})
	_, _, err = c.LoadConversation(context.Background(), "abc")
	require.ErrorContains(t, err, "query runs")
}

func TestLoadConversation_MalformedRun(t *testing.T) {
	item := runItem("abc", completedRun(t))
	item["cost"] = &types.AttributeValueMemberS{Value: "bad"}
	c := mustNewClient(t, &fakeDynamo{
		getOut:    &dynamodb.GetItemOutput{Item: metaItem(testConversation())},
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}},
	})
	_, _, err := c.LoadConversation(context.Background(), "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "cost")
}

// ---------------------------------------------------------------------------
// keys
// ---------------------------------------------------------------------------

func TestConvPK(t *testing.T) {
	require.Equal(t, "CONV#my-conv", convPK("my-conv"))
}

func TestRunSK_SortsByCreation(t *testing.T) {
	older := domain.NewRun("z", "m", testNow)
	newer := domain.NewRun("a", "m", testNow.Add(time.Millisecond))
	require.Less(t, runSK(older), runSK(newer))
	require.Equal(t, "RUN#2026-03-01T12:00:00Z#z", runSK(older))
}

func TestTTLValue(t *testing.T) {
	require.Equal(t, testNow.Add(ttlDuration).Unix(), ttlValue(testNow))
	require.Greater(t, ttlValue(time.Time{}), time.Now().Unix())
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}
