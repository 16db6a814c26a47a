package cache_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/plategen/pkg/cache"
)

type fakeS3 struct {
	objects map[string][]byte
	inputs  []*s3.PutObjectInput
	getErr  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.inputs = append(f.inputs, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

type fakeDynamo struct {
	items map[string]map[string]dynamotypes.AttributeValue
	gets  []*dynamodb.GetItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.gets = append(f.gets, in)
	key := in.Key[cache.DynamoKeyAttribute].(*dynamotypes.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[aws.ToString(in.TableName)+"/"+key]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	key := in.Item[cache.DynamoKeyAttribute].(*dynamotypes.AttributeValueMemberS).Value
	f.items[aws.ToString(in.TableName)+"/"+key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func TestS3BlobStore(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: map[string][]byte{}}
	store := cache.NewS3BlobStore(client, "plates")

	_, err := store.GetObject(ctx, "plate-a/model.step")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, store.PutObject(ctx, "plate-a/model.step", []byte("step"), "application/STEP"))
	require.Len(t, client.inputs, 1)
	assert.Equal(t, "plates", aws.ToString(client.inputs[0].Bucket))
	assert.Equal(t, "application/STEP", aws.ToString(client.inputs[0].ContentType))
	assert.Equal(t, int64(4), aws.ToInt64(client.inputs[0].ContentLength))

	data, err := store.GetObject(ctx, "plate-a/model.step")
	require.NoError(t, err)
	assert.Equal(t, []byte("step"), data)

	client.getErr = errors.New("access denied")
	_, err = store.GetObject(ctx, "plate-a/model.step")
	require.Error(t, err)
	assert.False(t, cache.IsNotFound(err))
}

func TestDynamoIndex(t *testing.T) {
	ctx := context.Background()
	client := &fakeDynamo{items: map[string]map[string]dynamotypes.AttributeValue{}}
	index := cache.NewDynamoIndex(client, "plate-cache")

	ok, err := index.Has(ctx, "plate-a")
	require.NoError(t, err)
	assert.False(t, ok)

	created := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, index.Record(ctx, "plate-a", created))

	ok, err = index.Has(ctx, "plate-a")
	require.NoError(t, err)
	assert.True(t, ok)

	item := client.items["plate-cache/plate-a"]
	require.NotNil(t, item)
	assert.Equal(t, "2024-05-06T07:08:09Z", item[cache.DynamoCreatedAtAttribute].(*dynamotypes.AttributeValueMemberS).Value)
	assert.True(t, aws.ToBool(client.gets[len(client.gets)-1].ConsistentRead))
}

func TestRemoteCacheOverAWS(t *testing.T) {
	ctx := context.Background()
	s3Client := &fakeS3{objects: map[string][]byte{}}
	dynamo := &fakeDynamo{items: map[string]map[string]dynamotypes.AttributeValue{}}
	c := cache.NewRemoteCache(cache.NewS3BlobStore(s3Client, "plates"), cache.NewDynamoIndex(dynamo, "plate-cache"), nil)

	set := sampleSet()
	require.NoError(t, c.Put(ctx, "plate-a", set))
	assert.Contains(t, s3Client.objects, "plates/plate-a/model.step")
	assert.Contains(t, s3Client.objects, "plates/plate-a/model.gltf")

	got, err := c.Get(ctx, "plate-a")
	require.NoError(t, err)
	assert.Equal(t, set, got)
}
