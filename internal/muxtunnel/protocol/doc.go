/*
Package protocol - MIT License Copyright (c) 2020, Rectcircle. All rights reserved.

This is the project core code - virtual connection multiplexing over one physical connection

1. Frame - 8 bytes connection id + 4 bytes little-endian body length + body (at most 16384 bytes)

2. Session - own one physical connection, pump frames in and out, keep the connection registry

3. VirtualConnection - one logical byte stream, closed by a zero-length frame

Wire format:

	+----------------------+--------------------------+---------------------+
	| connection id (8 B)  | body length (4 B, LE)    | body (length bytes) |
	+----------------------+--------------------------+---------------------+

Architecture diagram:

	                 Session A                                          Session B
	   +------------------------------+                   +------------------------------+
	   |  vconn.Write                 |                   |                 readLoop     |
	   |    -> SplitFrames            |                   |  frameReader.next            |
	   |    -> writeLoop  ------------+---- physical ---->+  -> resolve(id) -> vconn.push |
	   |                              |     connection    |                              |
	   |  vconn.push <- resolve(id)   |                   |            SplitFrames <-    |
	   |  frameReader.next            |<------------------+-------------  writeLoop      |
	   |                 readLoop     |                   |  vconn.Write                 |
	   +------------------------------+                   +------------------------------+
*/
package protocol
