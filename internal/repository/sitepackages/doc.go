// Package sitepackages reads installed Python distribution metadata.
//
// A Snapshot is taken once per run from one or more site-packages
// directories. It understands wheel installs (*.dist-info), setuptools
// installs (*.egg-info directories or files) and unzipped eggs
// (*.egg/EGG-INFO), and exposes them through dist.Environment.
package sitepackages
