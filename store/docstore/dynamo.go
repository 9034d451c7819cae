package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/yorutsuke/yorutsuke/fault"
	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/ledger"
)

// DynamoAPI is the slice of the DynamoDB client the tables use.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// txnRow is the DynamoDB image of a ledger.Transaction.
// Times are epoch milliseconds so they sort as numbers.
type txnRow struct {
	UserId      string `dynamodbav:"userId"`
	Id          string `dynamodbav:"id"`
	ImageId     string `dynamodbav:"imageId,omitempty"`
	Amount      int64  `dynamodbav:"amount"`
	Type        string `dynamodbav:"type"`
	Date        string `dynamodbav:"date"`
	Merchant    string `dynamodbav:"merchant"`
	Category    string `dynamodbav:"category"`
	Description string `dynamodbav:"description"`
	Status      string `dynamodbav:"status"`
	Version     int64  `dynamodbav:"version"`
	CreatedAt   int64  `dynamodbav:"createdAt"`
	UpdatedAt   int64  `dynamodbav:"updatedAt"`
	ConfirmedAt int64  `dynamodbav:"confirmedAt,omitempty"`
	TTL         int64  `dynamodbav:"ttl,omitempty"`
	ReviewNotes string `dynamodbav:"reviewNotes,omitempty"`
}

func toTxnRow(txn *ledger.Transaction) txnRow {
	var row = txnRow{
		UserId:      string(txn.UserId),
		Id:          string(txn.Id),
		ImageId:     string(txn.ImageId),
		Amount:      int64(txn.Amount),
		Type:        string(txn.Type),
		Date:        txn.Date,
		Merchant:    txn.Merchant,
		Category:    txn.Category,
		Description: txn.Description,
		Status:      string(txn.Status),
		Version:     txn.Version,
		CreatedAt:   txn.CreatedAt.UnixMilli(),
		UpdatedAt:   txn.UpdatedAt.UnixMilli(),
		TTL:         txn.TTL,
		ReviewNotes: txn.ReviewNotes,
	}
	if !txn.ConfirmedAt.IsZero() {
		row.ConfirmedAt = txn.ConfirmedAt.UnixMilli()
	}
	return row
}

func fromTxnRow(row txnRow) *ledger.Transaction {
	var txn = &ledger.Transaction{
		Id:          ids.TransactionId(row.Id),
		UserId:      ids.UserId(row.UserId),
		ImageId:     ids.ImageId(row.ImageId),
		Amount:      ids.Money(row.Amount),
		Type:        ledger.Type(row.Type),
		Date:        row.Date,
		Merchant:    row.Merchant,
		Category:    row.Category,
		Description: row.Description,
		Status:      ledger.Status(row.Status),
		Version:     row.Version,
		CreatedAt:   time.UnixMilli(row.CreatedAt),
		UpdatedAt:   time.UnixMilli(row.UpdatedAt),
		TTL:         row.TTL,
		ReviewNotes: row.ReviewNotes,
	}
	if row.ConfirmedAt != 0 {
		txn.ConfirmedAt = time.UnixMilli(row.ConfirmedAt)
	}
	return txn
}

// DynamoTransactions implements Transactions over a table with partition
// key `userId`, sort key `id`, and a `user-updated-index` local secondary
// index sorted by `updatedAt`.
type DynamoTransactions struct {
	client DynamoAPI
	table  string
}

var _ Transactions = &DynamoTransactions{}

func NewDynamoTransactions(client DynamoAPI, table string) *DynamoTransactions {
	return &DynamoTransactions{client: client, table: table}
}

func (d *DynamoTransactions) PutIfAbsent(ctx context.Context, txn *ledger.Transaction) error {
	var item, err = attributevalue.MarshalMap(toTxnRow(txn))
	if err != nil {
		return fmt.Errorf("marshalling transaction %s: %w", txn.Id, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionalFailure(err) {
		return fault.New(fault.IdempotentDuplicate, "transaction %s already exists", txn.Id)
	} else if err != nil {
		return fmt.Errorf("putting transaction %s: %w", txn.Id, err)
	}
	return nil
}

func (d *DynamoTransactions) Get(ctx context.Context, user ids.UserId, id ids.TransactionId) (*ledger.Transaction, error) {
	var out, err = d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       txnKey(user, id),
	})
	if err != nil {
		return nil, fmt.Errorf("getting transaction %s: %w", id, err)
	} else if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var row txnRow
	if err = attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return nil, fmt.Errorf("unmarshalling transaction %s: %w", id, err)
	}
	return fromTxnRow(row), nil
}

func (d *DynamoTransactions) UpdateVersioned(ctx context.Context, txn *ledger.Transaction) (*ledger.Transaction, error) {
	var item, err = attributevalue.MarshalMap(toTxnRow(txn))
	if err != nil {
		return nil, fmt.Errorf("marshalling transaction %s: %w", txn.Id, err)
	}

	var input = &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	}
	if txn.Version == 1 {
		input.ConditionExpression = aws.String("attribute_not_exists(id)")
	} else {
		input.ConditionExpression = aws.String("version = :prev")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberN{Value: strconv.FormatInt(txn.Version-1, 10)},
		}
	}

	_, err = d.client.PutItem(ctx, input)
	if isConditionalFailure(err) {
		// Surface the server's current row so the client can rebase.
		current, getErr := d.Get(ctx, txn.UserId, txn.Id)
		if getErr != nil && getErr != ErrNotFound {
			return nil, getErr
		}
		return current, fault.New(fault.Conflict, "transaction %s version check failed", txn.Id)
	} else if err != nil {
		return nil, fmt.Errorf("updating transaction %s: %w", txn.Id, err)
	}
	return txn, nil
}

func (d *DynamoTransactions) ListSince(ctx context.Context, user ids.UserId, cursor time.Time, limit int) ([]*ledger.Transaction, time.Time, error) {
	var input = &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String("user-updated-index"),
		KeyConditionExpression: aws.String("userId = :u AND updatedAt > :cursor"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u":      &types.AttributeValueMemberS{Value: string(user)},
			":cursor": &types.AttributeValueMemberN{Value: strconv.FormatInt(cursor.UnixMilli(), 10)},
		},
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	var out, err = d.client.Query(ctx, input)
	if err != nil {
		return nil, cursor, fmt.Errorf("querying transactions of %s: %w", user, err)
	}

	var txns []*ledger.Transaction
	var next = cursor
	for _, item := range out.Items {
		var row txnRow
		if err = attributevalue.UnmarshalMap(item, &row); err != nil {
			return nil, cursor, fmt.Errorf("unmarshalling transaction row: %w", err)
		}
		var txn = fromTxnRow(row)
		txns = append(txns, txn)
		if txn.UpdatedAt.After(next) {
			next = txn.UpdatedAt
		}
	}
	return txns, next, nil
}

func (d *DynamoTransactions) DeleteAll(ctx context.Context, user ids.UserId) (int, error) {
	var out, err = d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("userId = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: string(user)},
		},
		ProjectionExpression: aws.String("userId, id"),
	})
	if err != nil {
		return 0, fmt.Errorf("querying transactions of %s: %w", user, err)
	}

	var deleted int
	for start := 0; start < len(out.Items); start += 25 {
		var end = start + 25
		if end > len(out.Items) {
			end = len(out.Items)
		}
		var writes []types.WriteRequest
		for _, item := range out.Items[start:end] {
			writes = append(writes, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: item},
			})
		}
		_, err = d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{d.table: writes},
		})
		if err != nil {
			return deleted, fmt.Errorf("deleting transactions of %s: %w", user, err)
		}
		deleted += len(writes)
	}
	return deleted, nil
}

func txnKey(user ids.UserId, id ids.TransactionId) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId": &types.AttributeValueMemberS{Value: string(user)},
		"id":     &types.AttributeValueMemberS{Value: string(id)},
	}
}

// DynamoBatchJobs implements BatchJobs over a table with partition key
// `intentId` and a `jobId-index` global secondary index.
type DynamoBatchJobs struct {
	client DynamoAPI
	table  string
}

var _ BatchJobs = &DynamoBatchJobs{}

func NewDynamoBatchJobs(client DynamoAPI, table string) *DynamoBatchJobs {
	return &DynamoBatchJobs{client: client, table: table}
}

type jobRow struct {
	IntentId    string `dynamodbav:"intentId"`
	JobId       string `dynamodbav:"jobId,omitempty"`
	UserId      string `dynamodbav:"userId"`
	Status      string `dynamodbav:"status"`
	SubmitTime  int64  `dynamodbav:"submitTime"`
	ImageCount  int    `dynamodbav:"imageCount"`
	ModelId     string `dynamodbav:"modelId"`
	ManifestUri string `dynamodbav:"manifestUri,omitempty"`
	TTL         int64  `dynamodbav:"ttl,omitempty"`
}

func toJobRow(job *BatchJob) jobRow {
	return jobRow{
		IntentId:    string(job.IntentId),
		JobId:       string(job.JobId),
		UserId:      string(job.UserId),
		Status:      string(job.Status),
		SubmitTime:  job.SubmitTime.UnixMilli(),
		ImageCount:  job.ImageCount,
		ModelId:     job.ModelId,
		ManifestUri: job.ManifestUri,
		TTL:         job.TTL,
	}
}

func fromJobRow(row jobRow) *BatchJob {
	return &BatchJob{
		IntentId:    ids.IntentId(row.IntentId),
		JobId:       ids.JobId(row.JobId),
		UserId:      ids.UserId(row.UserId),
		Status:      BatchStatus(row.Status),
		SubmitTime:  time.UnixMilli(row.SubmitTime),
		ImageCount:  row.ImageCount,
		ModelId:     row.ModelId,
		ManifestUri: row.ManifestUri,
		TTL:         row.TTL,
	}
}

func (d *DynamoBatchJobs) PutIfAbsent(ctx context.Context, job *BatchJob) error {
	var item, err = attributevalue.MarshalMap(toJobRow(job))
	if err != nil {
		return fmt.Errorf("marshalling batch job %s: %w", job.IntentId, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(intentId)"),
	})
	if isConditionalFailure(err) {
		return fault.New(fault.IdempotentDuplicate, "batch job %s already exists", job.IntentId)
	} else if err != nil {
		return fmt.Errorf("putting batch job %s: %w", job.IntentId, err)
	}
	return nil
}

func (d *DynamoBatchJobs) Get(ctx context.Context, intent ids.IntentId) (*BatchJob, error) {
	var out, err = d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"intentId": &types.AttributeValueMemberS{Value: string(intent)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting batch job %s: %w", intent, err)
	} else if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var row jobRow
	if err = attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return nil, fmt.Errorf("unmarshalling batch job %s: %w", intent, err)
	}
	return fromJobRow(row), nil
}

func (d *DynamoBatchJobs) GetByJobId(ctx context.Context, job ids.JobId) (*BatchJob, error) {
	var out, err = d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String("jobId-index"),
		KeyConditionExpression: aws.String("jobId = :j"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":j": &types.AttributeValueMemberS{Value: string(job)},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("querying batch job %s: %w", job, err)
	} else if len(out.Items) == 0 {
		return nil, ErrNotFound
	}

	var row jobRow
	if err = attributevalue.UnmarshalMap(out.Items[0], &row); err != nil {
		return nil, fmt.Errorf("unmarshalling batch job %s: %w", job, err)
	}
	return fromJobRow(row), nil
}

func (d *DynamoBatchJobs) Update(ctx context.Context, job *BatchJob) error {
	var item, err = attributevalue.MarshalMap(toJobRow(job))
	if err != nil {
		return fmt.Errorf("marshalling batch job %s: %w", job.IntentId, err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(intentId)"),
	})
	if isConditionalFailure(err) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("updating batch job %s: %w", job.IntentId, err)
	}
	return nil
}

// DynamoQuotaCounters implements the legacy counter over a table with
// partition key `userId` and sort key `dateJst`.
type DynamoQuotaCounters struct {
	client DynamoAPI
	table  string
}

var _ QuotaCounters = &DynamoQuotaCounters{}

func NewDynamoQuotaCounters(client DynamoAPI, table string) *DynamoQuotaCounters {
	return &DynamoQuotaCounters{client: client, table: table}
}

func (d *DynamoQuotaCounters) Increment(ctx context.Context, user ids.UserId, dateJst string) (int64, error) {
	var out, err = d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              quotaKey(user, dateJst),
		UpdateExpression: aws.String("ADD #count :one"),
		ExpressionAttributeNames: map[string]string{
			"#count": "count",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing quota counter of %s: %w", user, err)
	}

	var counter struct {
		Count int64 `dynamodbav:"count"`
	}
	if err = attributevalue.UnmarshalMap(out.Attributes, &counter); err != nil {
		return 0, fmt.Errorf("unmarshalling quota counter of %s: %w", user, err)
	}
	return counter.Count, nil
}

func (d *DynamoQuotaCounters) Get(ctx context.Context, user ids.UserId, dateJst string) (int64, error) {
	var out, err = d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       quotaKey(user, dateJst),
	})
	if err != nil {
		return 0, fmt.Errorf("getting quota counter of %s: %w", user, err)
	} else if len(out.Item) == 0 {
		return 0, nil
	}

	var counter struct {
		Count int64 `dynamodbav:"count"`
	}
	if err = attributevalue.UnmarshalMap(out.Item, &counter); err != nil {
		return 0, fmt.Errorf("unmarshalling quota counter of %s: %w", user, err)
	}
	return counter.Count, nil
}

func quotaKey(user ids.UserId, dateJst string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId":  &types.AttributeValueMemberS{Value: string(user)},
		"dateJst": &types.AttributeValueMemberS{Value: dateJst},
	}
}

// DynamoControl implements Control over a single-row table.
type DynamoControl struct {
	client DynamoAPI
	table  string
}

var _ Control = &DynamoControl{}

func NewDynamoControl(client DynamoAPI, table string) *DynamoControl {
	return &DynamoControl{client: client, table: table}
}

const controlKey = "emergency-stop"

type controlRow struct {
	Pk            string `dynamodbav:"pk"`
	EmergencyStop bool   `dynamodbav:"emergencyStop"`
	Reason        string `dynamodbav:"reason,omitempty"`
	UpdatedAt     int64  `dynamodbav:"updatedAt"`
	UpdatedBy     string `dynamodbav:"updatedBy,omitempty"`
}

func (d *DynamoControl) Get(ctx context.Context) (ControlRecord, error) {
	var out, err = d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: controlKey},
		},
	})
	if err != nil {
		return ControlRecord{}, fmt.Errorf("reading control record: %w", err)
	} else if len(out.Item) == 0 {
		return ControlRecord{}, nil
	}

	var row controlRow
	if err = attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return ControlRecord{}, fmt.Errorf("unmarshalling control record: %w", err)
	}
	return ControlRecord{
		EmergencyStop: row.EmergencyStop,
		Reason:        row.Reason,
		UpdatedAt:     time.UnixMilli(row.UpdatedAt),
		UpdatedBy:     row.UpdatedBy,
	}, nil
}

func (d *DynamoControl) Set(ctx context.Context, record ControlRecord) error {
	var item, err = attributevalue.MarshalMap(controlRow{
		Pk:            controlKey,
		EmergencyStop: record.EmergencyStop,
		Reason:        record.Reason,
		UpdatedAt:     record.UpdatedAt.UnixMilli(),
		UpdatedBy:     record.UpdatedBy,
	})
	if err != nil {
		return fmt.Errorf("marshalling control record: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("writing control record: %w", err)
	}
	return nil
}

func isConditionalFailure(err error) bool {
	var cond *types.ConditionalCheckFailedException
	return errors.As(err, &cond)
}
