package engine

import (
	"context"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uc-cdis/bosun/config"
)

// fakeBucket is an in-memory bucket behind the s3, uploader and downloader interfaces.
type fakeBucket struct {
	s3iface.S3API
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (b *fakeBucket) put(key, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = []byte(body)
}

func (b *fakeBucket) keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := []string{}
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *fakeBucket) ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error {
	page := &s3.ListObjectsV2Output{}
	for _, k := range b.keys() {
		if strings.HasPrefix(k, aws.StringValue(in.Prefix)) {
			page.Contents = append(page.Contents, &s3.Object{Key: aws.String(k)})
		}
	}
	fn(page, true)
	return nil
}

func (b *fakeBucket) DeleteObjectsWithContext(ctx aws.Context, in *s3.DeleteObjectsInput, opts ...request.Option) (*s3.DeleteObjectsOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(b.objects, aws.StringValue(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (b *fakeBucket) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return b.UploadWithContext(context.Background(), in, opts...)
}

func (b *fakeBucket) UploadWithContext(ctx aws.Context, in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	body, err := ioutil.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.put(aws.StringValue(in.Key), string(body))
	return &s3manager.UploadOutput{}, nil
}

func (b *fakeBucket) Download(w io.WriterAt, in *s3.GetObjectInput, opts ...func(*s3manager.Downloader)) (int64, error) {
	return b.DownloadWithContext(context.Background(), w, in, opts...)
}

func (b *fakeBucket) DownloadWithContext(ctx aws.Context, w io.WriterAt, in *s3.GetObjectInput, opts ...func(*s3manager.Downloader)) (int64, error) {
	b.mu.Lock()
	body, ok := b.objects[aws.StringValue(in.Key)]
	b.mu.Unlock()
	if !ok {
		return 0, errors.New("NoSuchKey")
	}
	n, err := w.WriteAt(body, 0)
	return int64(n), err
}

func cloudPipeline(t *testing.T) *Pipeline {
	input := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(input, "sample1.fastq"), []byte("@r1\nACGT\n+\nIIII\n"), 0664))
	conf := testConfig(t, "A", "B")
	conf.Pipeline.Backend = config.BackendCloud
	conf.Pipeline.CopyInput = true
	conf.Input.Dirs = []string{input}
	conf.Cloud.Bucket = "runs"
	conf.Cloud.Prefix = "bosun"
	conf.Cloud.Executable = "bosun"
	conf.Cloud.PollInterval = 10 * time.Millisecond
	conf.Cloud.Timeout = 10 * time.Second

	p, err := CreatePipeline(conf, NewResolver(registryOf(t, native("A"), native("B"))), testDay)
	require.NoError(t, err)
	require.NoError(t, p.CopyInput())
	return p
}

func TestCloudWriteScriptChainsModules(t *testing.T) {
	p := cloudPipeline(t)
	b := &CloudBackend{Conf: p.Config.Cloud}

	script, err := b.writeScript(p, p.Tasks, b.remotePrefix(p))
	require.NoError(t, err)
	body, err := ioutil.ReadFile(script)
	require.NoError(t, err)
	nf := string(body)
	assert.Contains(t, nf, "nextflow.enable.dsl=2")
	assert.Contains(t, nf, "process module_00_A {")
	assert.Contains(t, nf, "bosun direct test_2024Mar05 00_A || status=\\$?")
	assert.Contains(t, nf, "aws s3 sync s3://runs/bosun/test_2024Mar05 test_2024Mar05")
	assert.Contains(t, nf, "Channel.of(true) | module_00_A | module_01_B")
}

func TestCloudRunPipelineReconcilesMarkers(t *testing.T) {
	p := cloudPipeline(t)
	bucket := newFakeBucket()
	remote := "bosun/test_2024Mar05"
	// left over from an earlier attempt
	bucket.put(remote+"/01_B/output/stale.txt", "old")
	bucket.put(remote+"/01_B/bosunFailed", "")

	var args []string
	b := &CloudBackend{
		S3:         bucket,
		Uploader:   bucket,
		Downloader: bucket,
		Conf:       p.Config.Cloud,
		run: func(ctx context.Context, dir string, cmd []string, out io.Writer) error {
			args = cmd
			bucket.put(remote+"/00_A/bosunStarted", "")
			bucket.put(remote+"/00_A/output/A.txt", "A")
			bucket.put(remote+"/00_A/bosunComplete", "")
			bucket.put(remote+"/01_B/bosunFailed", "")
			return errors.New("exit status 1")
		},
	}

	err := b.RunPipeline(context.Background(), p, p.Tasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited")
	assert.Equal(t, []string{"nextflow", "run", filepath.Join(p.Root, "nextflow", "main.nf"), "-work-dir", filepath.Join(p.Root, "nextflow", "work")}, args)

	keys := bucket.keys()
	assert.Contains(t, keys, remote+"/pipeline.json")
	assert.Contains(t, keys, remote+"/test.yaml")
	assert.Contains(t, keys, remote+"/input/sample1.fastq")
	for _, k := range keys {
		assert.False(t, strings.HasPrefix(k, remote+"/nextflow/"), k)
	}
	assert.NotContains(t, keys, remote+"/01_B/output/stale.txt")

	a, bTask := p.Tasks[0], p.Tasks[1]
	assert.Equal(t, StatusComplete, p.State.Status(a))
	out, err := ioutil.ReadFile(filepath.Join(a.OutputDir(), "A.txt"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(out))
	assert.Equal(t, StatusFailed, p.State.Status(bTask))
	_, err = os.Stat(filepath.Join(bTask.OutputDir(), "stale.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestCloudCommandNotFound(t *testing.T) {
	p := cloudPipeline(t)
	bucket := newFakeBucket()
	conf := p.Config.Cloud
	conf.Command = []string{"bosun-test-missing-nextflow", "run"}
	b := &CloudBackend{S3: bucket, Uploader: bucket, Downloader: bucket, Conf: conf, run: runCommand}

	err := b.RunPipeline(context.Background(), p, p.Tasks)
	var envErr *EnvironmentError
	assert.True(t, errors.As(err, &envErr))
}

func TestLoadAWSConfigFromEnv(t *testing.T) {
	t.Setenv(awsCredsEnvVar, `{"id": "AKIA", "secret": "shh"}`)
	awsConfig, err := loadAWSConfig("us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", aws.StringValue(awsConfig.Region))
	creds, err := awsConfig.Credentials.Get()
	require.NoError(t, err)
	assert.Equal(t, "AKIA", creds.AccessKeyID)

	t.Setenv(awsCredsEnvVar, "not json")
	_, err = loadAWSConfig("us-east-1")
	assert.Error(t, err)
}
