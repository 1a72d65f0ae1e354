package dynamo

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/ariefcatur/go-checkout-payments/internal/payments"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDDB evaluates the two condition expressions the archive issues.
type fakeDDB struct {
	mu     sync.Mutex
	items  map[string]map[string]types.AttributeValue
	tables []string
}

func newFake() *fakeDDB { return &fakeDDB{items: map[string]map[string]types.AttributeValue{}} }

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func itemKey(m map[string]types.AttributeValue) string {
	return str(m["provider"]) + "|" + str(m["reference"])
}

func (f *fakeDDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := itemKey(in.Item)
	cur, exists := f.items[k]
	switch aws.ToString(in.ConditionExpression) {
	case condNotExists:
		if exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	case condPending:
		if !exists || str(cur["status"]) != str(in.ExpressionAttributeValues[":pending"]) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("not pending")}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tables {
		if t == aws.ToString(in.TableName) {
			return nil, &types.ResourceInUseException{Message: aws.String("table exists")}
		}
	}
	f.tables = append(f.tables, aws.ToString(in.TableName))
	return &dynamodb.CreateTableOutput{}, nil
}

func pendingRecord() payments.VerificationRecord {
	return payments.VerificationRecord{
		Provider:        "khalti",
		Reference:       "pidx_1",
		PaymentIntentID: "pi_1",
		Status:          payments.RecordPending,
		ExpectedCents:   100000,
		GatewayStatus:   "Pending",
	}
}

func TestArchive_InsertIsOncePerTransaction(t *testing.T) {
	ctx := context.Background()
	a := NewVerificationArchive(newFake(), "")

	require.NoError(t, a.InsertRecord(ctx, pendingRecord()))
	assert.ErrorIs(t, a.InsertRecord(ctx, pendingRecord()), payments.ErrRecordExists)

	got, err := a.GetRecord(ctx, "khalti", "pidx_1")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", got.PaymentIntentID)
	assert.Equal(t, payments.RecordPending, got.Status)
	assert.Equal(t, int64(100000), got.ExpectedCents)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestArchive_GetMissing(t *testing.T) {
	a := NewVerificationArchive(newFake(), "")
	_, err := a.GetRecord(context.Background(), "esewa", "nope")
	assert.ErrorIs(t, err, payments.ErrRecordNotFound)
}

func TestArchive_PromoteOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	a := NewVerificationArchive(newFake(), "")
	require.NoError(t, a.InsertRecord(ctx, pendingRecord()))

	final := pendingRecord()
	final.Status = payments.RecordSuccess
	final.ConfirmedCents = 100000
	final.ProviderTxnID = "kh_9"
	final.RawResponse = json.RawMessage(`{"status":"Completed"}`)
	require.NoError(t, a.PromoteRecord(ctx, final))

	got, err := a.GetRecord(ctx, "khalti", "pidx_1")
	require.NoError(t, err)
	assert.Equal(t, payments.RecordSuccess, got.Status)
	assert.Equal(t, "kh_9", got.ProviderTxnID)
	assert.JSONEq(t, `{"status":"Completed"}`, string(got.RawResponse))

	again := final
	again.Status = payments.RecordFailed
	assert.ErrorIs(t, a.PromoteRecord(ctx, again), payments.ErrRecordExists)
}

func TestArchive_PromoteMissing(t *testing.T) {
	a := NewVerificationArchive(newFake(), "")
	rec := pendingRecord()
	rec.Status = payments.RecordSuccess
	assert.ErrorIs(t, a.PromoteRecord(context.Background(), rec), payments.ErrRecordNotFound)
}

func TestArchive_EnsureTableIsIdempotent(t *testing.T) {
	f := newFake()
	a := NewVerificationArchive(f, "audit")
	require.NoError(t, a.EnsureTable(context.Background()))
	require.NoError(t, a.EnsureTable(context.Background()))
	assert.Equal(t, []string{"audit"}, f.tables)
}
