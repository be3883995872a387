// Package analytics stores one record per processed recipient in DynamoDB.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ignite/sendpipeline/internal/domain"
)

// retention is how long outcome records live before DynamoDB expires them.
const retention = 90 * 24 * time.Hour

// DynamoAPI is the subset of the DynamoDB client the recorder uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// OutcomeItem is the stored shape of one outcome. Items are partitioned by
// campaign and sorted by time then task.
type OutcomeItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	BatchID   string `dynamodbav:"BatchID"`
	TaskID    string `dynamodbav:"TaskID"`
	Email     string `dynamodbav:"Email"`
	Success   bool   `dynamodbav:"Success"`
	Provider  string `dynamodbav:"Provider,omitempty"`
	MessageID string `dynamodbav:"MessageID,omitempty"`
	Attempts  int    `dynamodbav:"Attempts"`
	Error     string `dynamodbav:"Error,omitempty"`
	Timestamp string `dynamodbav:"Timestamp"`
	TTL       int64  `dynamodbav:"TTL,omitempty"`
}

// DynamoRecorder implements sending.OutcomeRecorder.
type DynamoRecorder struct {
	client    DynamoAPI
	tableName string
}

func NewDynamoRecorder(client DynamoAPI, tableName string) *DynamoRecorder {
	return &DynamoRecorder{client: client, tableName: tableName}
}

// NewDynamoRecorderFromConfig loads the default AWS credential chain. A
// non-empty endpoint points the client at a local DynamoDB.
func NewDynamoRecorderFromConfig(ctx context.Context, tableName, region, endpoint string) (*DynamoRecorder, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamoRecorder(client, tableName), nil
}

func partitionKey(campaignID string) string { return "CAMPAIGN#" + campaignID }

func (r *DynamoRecorder) RecordOutcome(ctx context.Context, task domain.SendTask, out domain.Outcome) error {
	at := out.At
	if at.IsZero() {
		at = time.Now()
	}
	item := OutcomeItem{
		PK:        partitionKey(task.CampaignID),
		SK:        fmt.Sprintf("%s#%s", at.UTC().Format(time.RFC3339Nano), task.ID),
		BatchID:   task.BatchID,
		TaskID:    task.ID,
		Email:     task.Recipient.Email,
		Success:   out.Success,
		Provider:  out.Provider,
		MessageID: out.MessageID,
		Attempts:  out.Attempts,
		Error:     out.Error,
		Timestamp: at.UTC().Format(time.RFC3339),
		TTL:       at.Add(retention).Unix(),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}
	if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("putting outcome to DynamoDB: %w", err)
	}
	return nil
}

// CampaignOutcomes returns up to limit outcomes of a campaign, oldest first.
func (r *DynamoRecorder) CampaignOutcomes(ctx context.Context, campaignID string, limit int32) ([]OutcomeItem, error) {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partitionKey(campaignID)},
		},
		Limit: aws.Int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}
	var items []OutcomeItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("unmarshaling outcomes: %w", err)
	}
	return items, nil
}

// Nop drops outcomes. It is used when analytics are disabled.
type Nop struct{}

func (Nop) RecordOutcome(context.Context, domain.SendTask, domain.Outcome) error { return nil }
