package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/uc-cdis/bosun/config"
)

// this file contains the cloud backend
// the remaining modules are handed to nextflow as a linear chain of processes;
// each process pulls the pipeline root from s3, runs one module in direct mode
// and pushes the root back. Markers are reconciled from s3 while it runs.

const (
	// environment variable holding {"id": ..., "secret": ...}
	awsCredsEnvVar = "AWSCREDS"

	nextflowDirName  = "nextflow"
	nextflowScript   = "main.nf"
	nextflowLogName  = "nextflow.log"
	maxDeleteObjects = 1000
)

var processUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

type awsCredentials struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

var nextflowTemplate = template.Must(template.New(nextflowScript).Parse(`nextflow.enable.dsl=2

// {{.Pipeline}}: one process per module, run in order
{{range .Processes}}
process {{.Process}} {
    errorStrategy 'terminate'

    input:
    val ready

    output:
    val true

    script:
    """
    mkdir -p {{.LocalRoot}}
    aws s3 sync {{.Remote}} {{.LocalRoot}} --only-show-errors
    status=0
    {{.Executable}} direct {{.LocalRoot}} {{.Module}} || status=\$?
    aws s3 sync {{.LocalRoot}} {{.Remote}} --only-show-errors
    exit \$status
    """
}
{{end}}
workflow {
    Channel.of(true){{range .Processes}} | {{.Process}}{{end}}
}
`))

type nextflowProcess struct {
	Process    string
	Module     string
	Remote     string
	LocalRoot  string
	Executable string
}

type commandRunner func(ctx context.Context, dir string, args []string, out io.Writer) error

// CloudBackend runs the rest of a pipeline through nextflow, with s3 as the shared root.
type CloudBackend struct {
	S3         s3iface.S3API
	Uploader   s3manageriface.UploaderAPI
	Downloader s3manageriface.DownloaderAPI
	Conf       config.Cloud

	run commandRunner
}

func NewCloudBackend(conf *config.Config) (*CloudBackend, error) {
	if _, err := exec.LookPath(conf.Cloud.Command[0]); err != nil {
		return nil, &EnvironmentError{Backend: config.BackendCloud, Err: err}
	}
	awsConfig, err := loadAWSConfig(conf.Cloud.Region)
	if err != nil {
		return nil, &EnvironmentError{Backend: config.BackendCloud, Err: err}
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, &EnvironmentError{Backend: config.BackendCloud, Err: err}
	}
	return &CloudBackend{
		S3:         s3.New(sess),
		Uploader:   s3manager.NewUploader(sess),
		Downloader: s3manager.NewDownloader(sess),
		Conf:       conf.Cloud,
		run:        runCommand,
	}, nil
}

// loadAWSConfig uses static credentials from AWSCREDS when set,
// and the default credential chain otherwise.
func loadAWSConfig(region string) (*aws.Config, error) {
	awsConfig := &aws.Config{Region: aws.String(region)}
	secret := os.Getenv(awsCredsEnvVar)
	if secret == "" {
		return awsConfig, nil
	}
	creds := &awsCredentials{}
	if err := json.Unmarshal([]byte(secret), creds); err != nil {
		return nil, fmt.Errorf("error unmarshalling aws secret: %v", err)
	}
	awsConfig.Credentials = credentials.NewStaticCredentials(creds.ID, creds.Secret, "")
	return awsConfig, nil
}

func runCommand(ctx context.Context, dir string, args []string, out io.Writer) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

func (b *CloudBackend) Name() string {
	return config.BackendCloud
}

// remotePrefix is "<prefix>/<root dir name>" in the bucket.
func (b *CloudBackend) remotePrefix(p *Pipeline) string {
	return path.Join(b.Conf.Prefix, filepath.Base(p.Root))
}

func (b *CloudBackend) RunPipeline(ctx context.Context, p *Pipeline, tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}
	remote := b.remotePrefix(p)
	// an earlier attempt may have left failed module dirs in the bucket
	for _, t := range tasks {
		if err := b.deletePrefix(ctx, remote+"/"+t.Name+"/"); err != nil {
			return &EnvironmentError{Backend: b.Name(), Err: err}
		}
	}
	if err := b.uploadRoot(ctx, p, remote); err != nil {
		return &EnvironmentError{Backend: b.Name(), Err: err}
	}
	script, err := b.writeScript(p, tasks, remote)
	if err != nil {
		return err
	}
	nfDir := filepath.Dir(script)
	logFile, err := os.OpenFile(filepath.Join(nfDir, nextflowLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0664)
	if err != nil {
		return err
	}
	defer logFile.Close()

	runCtx, cancel := context.WithTimeout(ctx, b.Conf.Timeout)
	defer cancel()
	args := append(append([]string{}, b.Conf.Command...), script, "-work-dir", filepath.Join(nfDir, "work"))
	done := make(chan error, 1)
	go func() {
		done <- b.run(runCtx, nfDir, args, logFile)
	}()
	p.Log.Infof("handed %d modules to %s", len(tasks), strings.Join(b.Conf.Command, " "))

	ticker := time.NewTicker(b.Conf.PollInterval)
	defer ticker.Stop()
	reconciled := map[string]bool{}
	for {
		select {
		case runErr := <-done:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := b.reconcile(ctx, p, remote, tasks, reconciled); err != nil {
				p.Log.Warnf("failed to reconcile markers: %v", err)
			}
			switch {
			case runErr == nil:
				return nil
			case errors.Is(runErr, exec.ErrNotFound):
				return &EnvironmentError{Backend: b.Name(), Err: runErr}
			case runCtx.Err() == context.DeadlineExceeded:
				return fmt.Errorf("%s timed out after %v", b.Conf.Command[0], b.Conf.Timeout)
			}
			return fmt.Errorf("%s exited: %v", b.Conf.Command[0], runErr)
		case <-ticker.C:
			if err := b.reconcile(ctx, p, remote, tasks, reconciled); err != nil {
				p.Log.Warnf("failed to reconcile markers: %v", err)
			}
		}
	}
}

// writeScript renders <root>/nextflow/main.nf for tasks.
func (b *CloudBackend) writeScript(p *Pipeline, tasks []*Task, remote string) (string, error) {
	nfDir := filepath.Join(p.Root, nextflowDirName)
	if err := os.MkdirAll(nfDir, 0770); err != nil {
		return "", err
	}
	data := struct {
		Pipeline  string
		Processes []nextflowProcess
	}{Pipeline: p.Name()}
	for _, t := range tasks {
		data.Processes = append(data.Processes, nextflowProcess{
			Process:    "module_" + processUnsafe.ReplaceAllString(t.Name, "_"),
			Module:     t.Name,
			Remote:     fmt.Sprintf("s3://%s/%s", b.Conf.Bucket, remote),
			LocalRoot:  filepath.Base(p.Root),
			Executable: b.Conf.Executable,
		})
	}
	var sb strings.Builder
	if err := nextflowTemplate.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %v", nextflowScript, err)
	}
	script := filepath.Join(nfDir, nextflowScript)
	if err := writeFileAtomic(script, []byte(sb.String()), 0664); err != nil {
		return "", err
	}
	return script, nil
}

// uploadRoot copies the pipeline root into the bucket, except the nextflow dir.
func (b *CloudBackend) uploadRoot(ctx context.Context, p *Pipeline, remote string) error {
	return filepath.Walk(p.Root, func(file string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(p.Root, file)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if rel == nextflowDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = b.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket: aws.String(b.Conf.Bucket),
			Key:    aws.String(remote + "/" + filepath.ToSlash(rel)),
			Body:   f,
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %v", rel, err)
		}
		return nil
	})
}

func (b *CloudBackend) listKeys(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	query := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.Conf.Bucket),
		Prefix: aws.String(prefix),
	}
	err := b.S3.ListObjectsV2PagesWithContext(ctx, query, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list s3://%s/%s: %v", b.Conf.Bucket, prefix, err)
	}
	return keys, nil
}

func (b *CloudBackend) deletePrefix(ctx context.Context, prefix string) error {
	keys, err := b.listKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += maxDeleteObjects {
		end := start + maxDeleteObjects
		if end > len(keys) {
			end = len(keys)
		}
		objects := []*s3.ObjectIdentifier{}
		for _, key := range keys[start:end] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(key)})
		}
		_, err = b.S3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Conf.Bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete s3://%s/%s: %v", b.Conf.Bucket, prefix, err)
		}
	}
	return nil
}

// reconcile pulls down every module dir that reached a terminal marker in the
// bucket. Module markers are written locally last, after the outputs arrived.
func (b *CloudBackend) reconcile(ctx context.Context, p *Pipeline, remote string, tasks []*Task, reconciled map[string]bool) error {
	for _, t := range tasks {
		if reconciled[t.Name] {
			continue
		}
		taskPrefix := remote + "/" + t.Name + "/"
		keys, err := b.listKeys(ctx, taskPrefix)
		if err != nil {
			return err
		}
		markers := []string{}
		files := []string{}
		for _, key := range keys {
			rel := strings.TrimPrefix(key, taskPrefix)
			switch rel {
			case completeMarker, failedMarker:
				markers = append(markers, rel)
			case startedMarker:
			default:
				files = append(files, key)
			}
		}
		if len(markers) == 0 {
			continue
		}
		sort.Strings(files)
		for _, key := range files {
			local := filepath.Join(p.Root, filepath.FromSlash(strings.TrimPrefix(key, remote+"/")))
			if err = b.download(ctx, key, local); err != nil {
				return err
			}
		}
		if err = os.MkdirAll(t.Dir, 0770); err != nil {
			return err
		}
		for _, marker := range markers {
			if err = writeMarker(t.Dir, marker); err != nil {
				return err
			}
		}
		_ = removeMarker(t.Dir, startedMarker)
		reconciled[t.Name] = true
		t.Log.Infof("reconciled %s from s3", strings.Join(markers, ","))
	}
	return nil
}

func (b *CloudBackend) download(ctx context.Context, key, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0770); err != nil {
		return err
	}
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = b.Downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(b.Conf.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download s3://%s/%s: %v", b.Conf.Bucket, key, err)
	}
	return nil
}
