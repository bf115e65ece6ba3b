// Command publish uploads a finished checkpoint to the Hugging Face Hub:
// it creates the repository if needed, pushes every file under the
// checkpoint directory and writes a generated model card as README.md.
//
// The token is read from HUGGINGFACE_TOKEN and the repo id from -repo or
// HF_REPO_ID. Both can live in a .env file.
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/janpfeifer/must"
	"github.com/joho/godotenv"
	"k8s.io/klog/v2"

	"github.com/arvos-ml/arvos/hub"
	"github.com/arvos-ml/arvos/trainer"
)

func main() {
	repoFlag := flag.String("repo", "", "HF Hub repo id (org/name); defaults to HF_REPO_ID")
	checkpointDir := flag.String("checkpoint-dir", "checkpoints", "checkpoint directory to upload")
	private := flag.Bool("private", false, "create the repo as private")
	message := flag.String("message", "Upload trained model", "commit message")

	klog.InitFlags(nil)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Loading .env: %v", err)
	}

	repoID := *repoFlag
	if repoID == "" {
		repoID = os.Getenv("HF_REPO_ID")
	}
	if repoID == "" {
		klog.Fatal("No repo id: pass -repo or set HF_REPO_ID")
	}
	token := os.Getenv("HUGGINGFACE_TOKEN")
	if token == "" {
		klog.Fatal("HUGGINGFACE_TOKEN is not set")
	}

	meta := must.M1(trainer.LoadMetadata(filepath.Join(*checkpointDir, trainer.MetadataFile)))
	klog.Infof("Publishing %s checkpoint (epoch %d, eval accuracy %.2f%%) to %q",
		meta.Architecture, meta.Epoch, meta.BestAccuracy, repoID)

	ctx := context.Background()
	client := hub.NewClient(token)
	must.M(client.CreateRepo(ctx, repoID, *private))

	files := must.M1(hub.CollectFiles(*checkpointDir, "checkpoint"))
	card := must.M1(hub.ModelCard(hub.CardData{
		RepoID:       repoID,
		Architecture: meta.Architecture,
		NumClasses:   meta.NumClasses,
		Epoch:        meta.Epoch,
		BestAccuracy: meta.BestAccuracy,
	}))
	files = append(files, hub.File{Path: "README.md", Content: []byte(card)})

	must.M(client.UploadFiles(ctx, repoID, *message, files))
	klog.Infof("Published %d files to https://huggingface.co/%s", len(files), repoID)
}
