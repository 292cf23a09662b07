package s3

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/recgo/blobstore"
)

// ErrConcurrentModification is returned when another writer committed a
// snapshot version between read and commit.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// DDBClient is the interface for the DynamoDB operations the commit store
// needs.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitStore implements blobstore.Store and blobstore.BatchWriter on top of
// S3, using DynamoDB as a commit log for atomic snapshot publishes.
//
// S3 cannot rename or replace multiple objects atomically, so each PutAll
// writes its blobs under a fresh versioned prefix and then performs a
// DynamoDB conditional write recording that version as current. Readers
// resolve the committed version first; a half-written version is invisible
// until its commit item lands.
//
// Table schema:
//   - Partition key: base_uri (string) - the S3 bucket/prefix
//   - Sort key:      version  (number) - monotonically increasing version
type CommitStore struct {
	s3Store   *Store
	ddbClient DDBClient
	tableName string
	baseURI   string
}

// NewCommitStore creates a new S3+DynamoDB commit store.
// baseURI should be in "s3://bucket/prefix" form; it is the partition key.
func NewCommitStore(s3Store *Store, ddbClient DDBClient, tableName, baseURI string) *CommitStore {
	return &CommitStore{
		s3Store:   s3Store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// PutAll writes all blobs under a new versioned prefix and atomically
// commits that version.
func (s *CommitStore) PutAll(ctx context.Context, blobs map[string][]byte) error {
	current, err := s.latestVersion(ctx)
	if err != nil {
		return err
	}
	next := current + 1
	prefix := versionPrefix(next)

	for name, data := range blobs {
		if err := s.s3Store.Put(ctx, prefix+name, data); err != nil {
			return fmt.Errorf("s3: failed to stage %s: %w", name, err)
		}
	}

	return s.commitVersion(ctx, next)
}

// Put publishes a single blob as its own committed version.
// Snapshot saves should prefer PutAll.
func (s *CommitStore) Put(ctx context.Context, name string, data []byte) error {
	return s.PutAll(ctx, map[string][]byte{name: data})
}

// Get reads a blob from the latest committed version.
func (s *CommitStore) Get(ctx context.Context, name string) ([]byte, error) {
	version, err := s.latestVersion(ctx)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, fmt.Errorf("%w: %s", blobstore.ErrNotFound, name)
	}
	return s.s3Store.Get(ctx, versionPrefix(version)+name)
}

// Delete removes a blob from the latest committed version.
func (s *CommitStore) Delete(ctx context.Context, name string) error {
	version, err := s.latestVersion(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		return nil
	}
	return s.s3Store.Delete(ctx, versionPrefix(version)+name)
}

// List returns blob names in the latest committed version.
func (s *CommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	version, err := s.latestVersion(ctx)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, nil
	}
	vp := versionPrefix(version)
	names, err := s.s3Store.List(ctx, vp+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, name[len(vp):])
	}
	return out, nil
}

func versionPrefix(version uint64) string {
	return fmt.Sprintf("v%08d/", version)
}

// latestVersion queries DynamoDB for the latest committed version.
// Returns 0 if nothing has been committed yet.
func (s *CommitStore) latestVersion(ctx context.Context) (uint64, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":uri": &ddbtypes.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("s3: failed to query commit log: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, nil
	}

	versionAttr, ok := resp.Items[0]["version"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("s3: invalid version attribute in commit log")
	}
	var version uint64
	if _, err := fmt.Sscanf(versionAttr.Value, "%d", &version); err != nil {
		return 0, fmt.Errorf("s3: failed to parse committed version: %w", err)
	}
	return version, nil
}

// commitVersion records version as current via a conditional write; a
// concurrent writer claiming the same version loses deterministically.
func (s *CommitStore) commitVersion(ctx context.Context, version uint64) error {
	_, err := s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]ddbtypes.AttributeValue{
			"base_uri": &ddbtypes.AttributeValueMemberS{Value: s.baseURI},
			"version":  &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("s3: failed to commit version: %w", err)
	}
	return nil
}
