// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// demo for the imagefolder library: point it at any directory of images.
//
//  1. `demo --data=<dir>`: scans the directory and prints the dataset
//     statistics (number of images, classes and class distribution).
//  2. `demo --data=<dir> --pre`: additionally pre-generates the preprocessed
//     datasets used by imagefolder.CreateDatasets — this typically speeds up
//     training considerably, at the cost of disk space.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/imagefolder"
)

var (
	flagDataDir     = flag.String("data", "", "Directory with image files, scanned recursively.")
	flagSize        = flag.Int("size", imagefolder.DefaultConfig.Resolution, "Resolution (height and width) images are preprocessed to.")
	flagBatchSize   = flag.Int("batch", imagefolder.DefaultConfig.BatchSize, "Batch size.")
	flagClassCond   = flag.Bool("class_cond", true, "Derive class labels from the image file names.")
	flagRandomCrop  = flag.Bool("random_crop", false, "Randomly scale and place the crop window, for data augmentation.")
	flagRandomFlip  = flag.Bool("flip", true, "Randomly flip the images horizontally, for data augmentation.")
	flagPreGenerate = flag.Bool("pre", false, "Pre-generate preprocessed image data to speed up training.")
	flagPreEpochs   = flag.Int("pregen_epochs", 10, "Number of epochs to pre-generate for the training data.")
	flagYield       = flag.Int("yield", 3, "Number of batches to yield as a smoke test.")
)

func AssertNoError(err error) {
	if err != nil {
		log.Fatalf("Failed: %+v", err)
	}
}

func main() {
	flag.Parse()
	config := &imagefolder.Config{}
	*config = *imagefolder.DefaultConfig
	config.DataDir = *flagDataDir
	config.Resolution = *flagSize
	config.BatchSize = *flagBatchSize
	config.ClassConditional = *flagClassCond
	config.RandomCrop = *flagRandomCrop
	config.RandomFlip = *flagRandomFlip

	ds, err := imagefolder.New(config.DataDir, config.Resolution)
	AssertNoError(err)
	printStats(ds, config)

	if *flagPreGenerate {
		fmt.Printf("Pre-generating %d epoch(s) of training data plus evaluation data in %q...\n",
			*flagPreEpochs, config.DataDir)
		AssertNoError(imagefolder.PreGenerate(config, *flagPreEpochs, true))
	}

	if *flagYield > 0 {
		smokeTest(config, *flagYield)
	}
}

func printStats(ds *imagefolder.Dataset, config *imagefolder.Config) {
	fmt.Printf("Dataset %q: %d images, %d classes, resolution %dx%d\n",
		ds.Name(), ds.NumExamples(), ds.NumClasses(), config.Resolution, config.Resolution)
	exampleBytes := uint64(imagefolder.NumChannels * config.Resolution * config.Resolution * config.DType.Size())
	fmt.Printf("\t%s per example, %s for the full preprocessed dataset\n",
		humanize.Bytes(exampleBytes), humanize.Bytes(exampleBytes*uint64(ds.NumExamples())))

	// Class distribution.
	counts := make(map[int32]int)
	for _, label := range ds.Labels() {
		counts[label]++
	}
	for idx, name := range ds.ClassNames() {
		fmt.Printf("\t%s: %d images\n", name, counts[int32(idx)])
	}
}

func smokeTest(config *imagefolder.Config, numBatches int) {
	trainDS, evalDS, err := imagefolder.CreateDatasets(config)
	AssertNoError(err)
	fmt.Printf("Yielding %d batches from %q:\n", numBatches, trainDS.Name())
	for ii := 0; ii < numBatches; ii++ {
		_, inputs, labels, err := trainDS.Yield()
		if err == io.EOF {
			break
		}
		AssertNoError(err)
		if len(labels) > 0 {
			fmt.Printf("\tbatch #%d: images %s, labels %s\n", ii, inputs[0].Shape(), labels[0].Shape())
		} else {
			fmt.Printf("\tbatch #%d: images %s\n", ii, inputs[0].Shape())
		}
	}

	numEvalBatches := 0
	for {
		_, _, _, err := evalDS.Yield()
		if err == io.EOF {
			break
		}
		AssertNoError(err)
		numEvalBatches++
	}
	fmt.Printf("Evaluation dataset %q: %d batches per epoch\n", evalDS.Name(), numEvalBatches)
}
