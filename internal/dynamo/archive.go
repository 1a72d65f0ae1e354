// Package dynamo archives gateway verification records in DynamoDB.
//
// Table layout:
//   - PK: provider (string)
//   - SK: reference (string)
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/gateway"
	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const DefaultTable = "gateway_verifications"

const (
	condNotExists = "attribute_not_exists(#p)"
	condPending   = "#s = :pending"
)

// API is the slice of the DynamoDB client the archive needs.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type recordItem struct {
	Provider        string `dynamodbav:"provider"`
	Reference       string `dynamodbav:"reference"`
	PaymentIntentID string `dynamodbav:"payment_intent_id"`
	ProviderTxnID   string `dynamodbav:"provider_txn_id,omitempty"`
	Status          string `dynamodbav:"status"`
	ExpectedCents   int64  `dynamodbav:"expected_cents"`
	ConfirmedCents  int64  `dynamodbav:"confirmed_cents"`
	GatewayStatus   string `dynamodbav:"gateway_status,omitempty"`
	RawResponse     string `dynamodbav:"raw_response,omitempty"`
	CreatedAt       string `dynamodbav:"created_at"`
	UpdatedAt       string `dynamodbav:"updated_at"`
}

// VerificationArchive is a payments.RecordStore. The composite key gives the
// same one-record-per-transaction guarantee as the Postgres primary key.
type VerificationArchive struct {
	ddb   API
	table string
	now   func() time.Time
}

var _ payments.RecordStore = (*VerificationArchive)(nil)

func NewVerificationArchive(ddb API, table string) *VerificationArchive {
	if table == "" {
		table = DefaultTable
	}
	return &VerificationArchive{ddb: ddb, table: table, now: func() time.Time { return time.Now().UTC() }}
}

func key(provider gateway.Provider, ref string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"provider":  &types.AttributeValueMemberS{Value: string(provider)},
		"reference": &types.AttributeValueMemberS{Value: ref},
	}
}

func (a *VerificationArchive) GetRecord(ctx context.Context, provider gateway.Provider, ref string) (payments.VerificationRecord, error) {
	out, err := a.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(a.table),
		Key:            key(provider, ref),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return payments.VerificationRecord{}, err
	}
	if len(out.Item) == 0 {
		return payments.VerificationRecord{}, payments.ErrRecordNotFound
	}
	var it recordItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return payments.VerificationRecord{}, err
	}
	return fromItem(it), nil
}

func (a *VerificationArchive) InsertRecord(ctx context.Context, rec payments.VerificationRecord) error {
	now := a.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	av, err := attributevalue.MarshalMap(toItem(rec))
	if err != nil {
		return err
	}
	_, err = a.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(a.table),
		Item:                     av,
		ConditionExpression:      aws.String(condNotExists),
		ExpressionAttributeNames: map[string]string{"#p": "provider"},
	})
	if conditionFailed(err) {
		return payments.ErrRecordExists
	}
	return err
}

func (a *VerificationArchive) PromoteRecord(ctx context.Context, rec payments.VerificationRecord) error {
	cur, err := a.GetRecord(ctx, rec.Provider, rec.Reference)
	if err != nil {
		return err
	}
	rec.CreatedAt = cur.CreatedAt
	rec.UpdatedAt = a.now()
	av, err := attributevalue.MarshalMap(toItem(rec))
	if err != nil {
		return err
	}
	_, err = a.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(a.table),
		Item:                      av,
		ConditionExpression:       aws.String(condPending),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":pending": &types.AttributeValueMemberS{Value: string(payments.RecordPending)}},
	})
	if conditionFailed(err) {
		return payments.ErrRecordExists
	}
	return err
}

// EnsureTable creates the archive table when it does not exist yet.
func (a *VerificationArchive) EnsureTable(ctx context.Context) error {
	_, err := a.ddb.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(a.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("provider"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("reference"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("provider"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("reference"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}
	return err
}

func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func toItem(r payments.VerificationRecord) recordItem {
	return recordItem{
		Provider:        string(r.Provider),
		Reference:       r.Reference,
		PaymentIntentID: r.PaymentIntentID,
		ProviderTxnID:   r.ProviderTxnID,
		Status:          string(r.Status),
		ExpectedCents:   r.ExpectedCents,
		ConfirmedCents:  r.ConfirmedCents,
		GatewayStatus:   r.GatewayStatus,
		RawResponse:     string(r.RawResponse),
		CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromItem(it recordItem) payments.VerificationRecord {
	created, _ := time.Parse(time.RFC3339Nano, it.CreatedAt)
	updated, _ := time.Parse(time.RFC3339Nano, it.UpdatedAt)
	rec := payments.VerificationRecord{
		Provider:        gateway.Provider(it.Provider),
		Reference:       it.Reference,
		PaymentIntentID: it.PaymentIntentID,
		ProviderTxnID:   it.ProviderTxnID,
		Status:          payments.RecordStatus(it.Status),
		ExpectedCents:   it.ExpectedCents,
		ConfirmedCents:  it.ConfirmedCents,
		GatewayStatus:   it.GatewayStatus,
		CreatedAt:       created,
		UpdatedAt:       updated,
	}
	if it.RawResponse != "" {
		rec.RawResponse = json.RawMessage(it.RawResponse)
	}
	return rec
}
