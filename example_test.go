package flashfs_test

import (
	"fmt"

	"github.com/soypat/flashfs"
)

func ExampleFS_basic_usage() {
	// device could be a memory mapped NOR flash or anything that implements the Flash interface.
	device := flashfs.DefaultMemFlash(16)
	var fs flashfs.FS
	err := fs.Mount(device, flashfs.Config{})
	if err != nil {
		panic(err)
	}
	file, err := fs.OpenWrite("newfile.txt", 0, 1024)
	if err != nil {
		panic(err)
	}
	_, err = file.Write([]byte("Hello, World!"))
	if err != nil {
		panic(err)
	}
	err = file.Close()
	if err != nil {
		panic(err)
	}

	// Read back the file:
	info, err := fs.OpenRead("newfile.txt")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(info.Bytes()))
	// Output:
	// Hello, World!
}

func ExampleRAMFile() {
	device := flashfs.DefaultMemFlash(16)
	var fs flashfs.FS
	err := fs.Format(device, flashfs.Config{})
	if err != nil {
		panic(err)
	}
	// Chunks may arrive out of order.
	var staged flashfs.RAMFile
	staged.Write(6, []byte("world"))
	staged.Write(0, []byte("hello "))
	err = staged.Commit(&fs, "greeting", 0)
	if err != nil {
		panic(err)
	}
	info, _ := fs.OpenRead("greeting")
	fmt.Printf("%s (%d bytes)\n", info.Bytes(), info.Size())
	// Output:
	// hello world (11 bytes)
}
