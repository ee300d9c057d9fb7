package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"microapp-engine/internal/domain"
)

const (
	skPrefixRun = "RUN#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversations in a single table: one META# item per
// conversation and one RUN# item per run, messages embedded in the run.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// runSK orders runs by creation time; the id disambiguates equal timestamps.
func runSK(run domain.Run) string {
	return skPrefixRun + run.CreatedAt.UTC().Format(time.RFC3339Nano) + "#" + run.ID
}

func ttlValue(from time.Time) int64 {
	if from.IsZero() {
		from = time.Now()
	}
	return from.Add(ttlDuration).Unix()
}

// SaveRun writes the run and the conversation metadata in one transaction.
// A terminal run is never overwritten by a different status.
func (c *Client) SaveRun(ctx context.Context, conv domain.Conversation, run domain.Run) error {
	if strings.TrimSpace(conv.ID) == "" {
		return errors.New("repository: SaveRun: conversation id is required")
	}
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("repository: SaveRun: run id is required")
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:                aws.String(c.tableName),
					Item:                     runItem(conv.ID, run),
					ConditionExpression:      aws.String("attribute_not_exists(SK) OR #status IN (:pending, :status)"),
					ExpressionAttributeNames: map[string]string{"#status": "status"},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":pending": &types.AttributeValueMemberS{Value: string(domain.RunPending)},
						":status":  &types.AttributeValueMemberS{Value: string(run.Status)},
					},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      metaItem(conv),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveRun: %w", err)
	}
	return nil
}

// LoadConversation reads the metadata and every run of a conversation in
// creation order. ok is false when the conversation does not exist.
func (c *Client) LoadConversation(ctx context.Context, conversationID string) (domain.Conversation, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: LoadConversation get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, false, nil
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("repository: LoadConversation decode meta: %w", err)
	}

	runs, err := c.queryRuns(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	conv.Runs = runs
	return conv, true, nil
}

func (c *Client) queryRuns(ctx context.Context, conversationID string) ([]domain.Run, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixRun},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	var runs []domain.Run
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: LoadConversation query runs: %w", err)
		}
		for _, item := range out.Items {
			run, err := itemToRun(item)
			if err != nil {
				return nil, fmt.Errorf("repository: LoadConversation unmarshal run: %w", err)
			}
			runs = append(runs, run)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return runs, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func metaItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"microappId":     &types.AttributeValueMemberS{Value: conv.MicroappID},
		"createdAt":      timeAttr(conv.CreatedAt),
		"updatedAt":      timeAttr(conv.UpdatedAt),
		"runs":           &types.AttributeValueMemberN{Value: strconv.Itoa(len(conv.Runs))},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(conv.UpdatedAt), 10)},
	}
}

func runItem(conversationID string, run domain.Run) map[string]types.AttributeValue {
	msgs := make([]types.AttributeValue, 0, len(run.Messages))
	for _, m := range run.Messages {
		msgs = append(msgs, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role": &types.AttributeValueMemberS{Value: string(m.Role)},
			"text": &types.AttributeValueMemberS{Value: m.Text},
			"ts":   timeAttr(m.Timestamp),
		}})
	}

	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK":             &types.AttributeValueMemberS{Value: runSK(run)},
		"conversationId": &types.AttributeValueMemberS{Value: conversationID},
		"runId":          &types.AttributeValueMemberS{Value: run.ID},
		"remoteId":       &types.AttributeValueMemberS{Value: run.RemoteID},
		"status":         &types.AttributeValueMemberS{Value: string(run.Status)},
		"aiModel":        &types.AttributeValueMemberS{Value: run.AIModel},
		"cost":           floatAttr(run.Cost),
		"credits":        floatAttr(run.Credits),
		"sessionId":      &types.AttributeValueMemberS{Value: run.SessionID},
		"noSubmission":   &types.AttributeValueMemberBOOL{Value: run.NoSubmission},
		"error":          &types.AttributeValueMemberS{Value: run.Error},
		"messages":       &types.AttributeValueMemberL{Value: msgs},
		"createdAt":      timeAttr(run.CreatedAt),
		"updatedAt":      timeAttr(run.UpdatedAt),
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(run.UpdatedAt), 10)},
	}
	if run.Passed != nil {
		item["passed"] = &types.AttributeValueMemberBOOL{Value: *run.Passed}
	}
	if run.Score != nil {
		item["score"] = floatAttr(*run.Score)
	}
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	microappID, _ := strAttr(item, "microappId") // allow empty
	createdAt, err := timeValue(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, err := timeValue(item, "updatedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{ID: id, MicroappID: microappID, CreatedAt: createdAt, UpdatedAt: updatedAt}, nil
}

func itemToRun(item map[string]types.AttributeValue) (domain.Run, error) {
	id, err := strAttr(item, "runId")
	if err != nil {
		return domain.Run{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Run{}, err
	}
	cost, err := floatValue(item, "cost")
	if err != nil {
		return domain.Run{}, err
	}
	credits, err := floatValue(item, "credits")
	if err != nil {
		return domain.Run{}, err
	}
	createdAt, err := timeValue(item, "createdAt")
	if err != nil {
		return domain.Run{}, err
	}
	updatedAt, err := timeValue(item, "updatedAt")
	if err != nil {
		return domain.Run{}, err
	}
	msgs, err := messagesValue(item, "messages")
	if err != nil {
		return domain.Run{}, err
	}

	run := domain.Run{
		ID:        id,
		Status:    domain.RunStatus(status),
		Cost:      cost,
		Credits:   credits,
		Messages:  msgs,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	// optional attributes
	run.RemoteID, _ = strAttr(item, "remoteId")
	run.AIModel, _ = strAttr(item, "aiModel")
	run.SessionID, _ = strAttr(item, "sessionId")
	run.Error, _ = strAttr(item, "error")
	if v, ok := item["noSubmission"].(*types.AttributeValueMemberBOOL); ok {
		run.NoSubmission = v.Value
	}
	if v, ok := item["passed"].(*types.AttributeValueMemberBOOL); ok {
		passed := v.Value
		run.Passed = &passed
	}
	if _, ok := item["score"]; ok {
		score, err := floatValue(item, "score")
		if err != nil {
			return domain.Run{}, err
		}
		run.Score = &score
	}
	return run, nil
}

func messagesValue(item map[string]types.AttributeValue, key string) ([]domain.Message, error) {
	v, ok := item[key]
	if !ok {
		return []domain.Message{}, nil
	}
	list, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	msgs := make([]domain.Message, 0, len(list.Value))
	for i, entry := range list.Value {
		m, ok := entry.(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("repository: %s[%d] is not a map", key, i)
		}
		role, err := strAttr(m.Value, "role")
		if err != nil {
			return nil, err
		}
		text, err := strAttr(m.Value, "text")
		if err != nil {
			return nil, err
		}
		ts, err := timeValue(m.Value, "ts")
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, domain.Message{Role: domain.Role(role), Text: text, Timestamp: ts})
	}
	return msgs, nil
}

func timeAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func floatAttr(f float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(f, 'f', -1, 64)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func floatValue(item map[string]types.AttributeValue, key string) (float64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeValue(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
